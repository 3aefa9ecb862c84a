package dto

import (
	"time"

	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/service"
)

type CreateNodeRequest struct {
	Kind         string            `json:"kind" binding:"required,min=1,max=64"`
	Name         string            `json:"name" binding:"required,min=1,max=256"`
	Parent       *int64            `json:"parent,omitempty,string"`
	Group        *string           `json:"group,omitempty"`
	Result       *string           `json:"result,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	UserGroups   []string          `json:"user_groups,omitempty"`
	Holdoff      *time.Time        `json:"holdoff,omitempty"`
	Timeout      *time.Time        `json:"timeout,omitempty"`
	RetryCounter int               `json:"retry_counter,omitempty"`
}

func (r *CreateNodeRequest) ToDraft() service.NodeDraft {
	draft := service.NodeDraft{
		Kind:         r.Kind,
		Name:         r.Name,
		Parent:       r.Parent,
		Group:        r.Group,
		Data:         r.Data,
		Artifacts:    r.Artifacts,
		UserGroups:   r.UserGroups,
		Holdoff:      r.Holdoff,
		Timeout:      r.Timeout,
		RetryCounter: r.RetryCounter,
	}
	if r.Result != nil {
		draft.Result = model.NodeResult(*r.Result)
	}
	return draft
}

type PatchNodeRequest struct {
	Group        *string           `json:"group,omitempty"`
	State        *string           `json:"state,omitempty"`
	Result       *string           `json:"result,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	UserGroups   []string          `json:"user_groups,omitempty"`
	Holdoff      *time.Time        `json:"holdoff,omitempty"`
	Timeout      *time.Time        `json:"timeout,omitempty"`
	RetryCounter *int              `json:"retry_counter,omitempty"`

	// Updated, when present, is the timestamp the caller last saw; the
	// patch is rejected with a conflict if the node moved on since.
	Updated *time.Time `json:"updated,omitempty"`
}

func (r *PatchNodeRequest) ToPatch() service.NodePatch {
	patch := service.NodePatch{
		Group:           r.Group,
		Data:            r.Data,
		Artifacts:       r.Artifacts,
		UserGroups:      r.UserGroups,
		Holdoff:         r.Holdoff,
		Timeout:         r.Timeout,
		RetryCounter:    r.RetryCounter,
		ExpectedUpdated: r.Updated,
	}
	if r.State != nil {
		s := model.NodeState(*r.State)
		patch.State = &s
	}
	if r.Result != nil {
		res := model.NodeResult(*r.Result)
		patch.Result = &res
	}
	return patch
}

type NodeListResponse struct {
	Items  []model.Node `json:"items"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

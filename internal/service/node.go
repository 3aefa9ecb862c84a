package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"kernelci.org/api/common/id"
	"kernelci.org/api/common/logger"
	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/store"
)

// DefaultNodeTimeout is applied when a draft carries no explicit deadline.
const DefaultNodeTimeout = 6 * time.Hour

// NodeChannel is the pub/sub channel node lifecycle events go out on.
const NodeChannel = "node"

// EventPublisher is the slice of the pub/sub service the node paths need.
type EventPublisher interface {
	Publish(ctx context.Context, principal auth.Principal, channel string, data map[string]any) (*model.EventRecord, error)
}

// NodeDraft is the creation request for a node. State is always running and
// the path is derived from the parent; everything else is caller-supplied.
type NodeDraft struct {
	Kind         string
	Name         string
	Parent       *int64
	Group        *string
	Result       model.NodeResult
	Data         map[string]any
	Artifacts    map[string]string
	UserGroups   []string
	Holdoff      *time.Time
	Timeout      *time.Time
	RetryCounter int
}

// NodePatch is a partial update. Immutable fields (id, kind, name, path,
// parent, created) have no representation here. ExpectedUpdated, when set,
// enables optimistic concurrency: the update only applies if the stored
// node still carries that timestamp.
type NodePatch struct {
	Group           *string
	State           *model.NodeState
	Result          *model.NodeResult
	Data            map[string]any
	Artifacts       map[string]string
	UserGroups      []string
	Holdoff         *time.Time
	Timeout         *time.Time
	RetryCounter    *int
	ExpectedUpdated *time.Time
}

// NodeService owns node lifecycle semantics: drafts, patches, the
// transition graph, and the events each mutation emits.
type NodeService interface {
	Create(ctx context.Context, principal auth.Principal, draft NodeDraft) (*model.Node, error)
	Update(ctx context.Context, principal auth.Principal, id int64, patch NodePatch) (*model.Node, error)
	Get(ctx context.Context, id int64) (*model.Node, error)
	Query(ctx context.Context, filter *store.Filter, limit, offset int) ([]model.Node, int64, error)
	Count(ctx context.Context, filter *store.Filter) (int64, error)
}

type nodeService struct {
	nodes     store.NodeStore
	publisher EventPublisher
}

func NewNodeService(nodes store.NodeStore, publisher EventPublisher) NodeService {
	return &nodeService{nodes: nodes, publisher: publisher}
}

func (s *nodeService) Create(ctx context.Context, principal auth.Principal, draft NodeDraft) (*model.Node, error) {
	if draft.Kind == "" || draft.Name == "" {
		return nil, fmt.Errorf("%w: kind and name are required", ErrInvalidInput)
	}
	if !model.ValidNodeResult(string(draft.Result)) {
		return nil, fmt.Errorf("%w: unknown result %q", ErrInvalidInput, draft.Result)
	}

	now := time.Now().UTC()
	node := &model.Node{
		ID:           id.New(),
		Kind:         draft.Kind,
		Name:         draft.Name,
		Parent:       draft.Parent,
		Group:        draft.Group,
		State:        model.NodeStateRunning,
		Result:       draft.Result,
		Data:         draft.Data,
		Artifacts:    draft.Artifacts,
		Owner:        principal.Name,
		UserGroups:   draft.UserGroups,
		Created:      now,
		Updated:      now,
		Holdoff:      draft.Holdoff,
		RetryCounter: draft.RetryCounter,
	}
	if node.UserGroups == nil {
		node.UserGroups = []string{}
	}

	if draft.Timeout != nil {
		if draft.Timeout.Before(now) {
			return nil, fmt.Errorf("%w: timeout precedes creation", ErrInvalidInput)
		}
		node.Timeout = draft.Timeout.UTC()
	} else {
		node.Timeout = now.Add(DefaultNodeTimeout)
	}

	if draft.Parent != nil {
		parent, err := s.nodes.Get(ctx, *draft.Parent)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: parent %d not found", ErrInvalidParent, *draft.Parent)
			}
			return nil, err
		}
		if !parent.State.AcceptsChildren() {
			return nil, fmt.Errorf("%w: parent %d is %s", ErrInvalidParent, parent.ID, parent.State)
		}
		if !canMutate(principal, parent) {
			return nil, fmt.Errorf("%w: parent %d restricted", ErrPermission, parent.ID)
		}
		node.Path = append(append([]string{}, parent.Path...), node.Name)
	} else {
		node.Path = []string{node.Name}
	}

	if err := s.nodes.Create(ctx, node); err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{NodeID: logger.Ptr(node.ID)})
	slog.InfoContext(ctx, "node created", "kind", node.Kind, "name", node.Name, "owner", node.Owner)

	s.publish(ctx, principal, model.EventOpCreated, node)
	return node, nil
}

func (s *nodeService) Update(ctx context.Context, principal auth.Principal, nodeID int64, patch NodePatch) (*model.Node, error) {
	node, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !canMutate(principal, node) {
		return nil, fmt.Errorf("%w: node %d", ErrPermission, nodeID)
	}

	prevState, prevResult := node.State, node.Result

	if patch.State != nil && *patch.State != prevState {
		if !model.ValidNodeState(string(*patch.State)) {
			return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, *patch.State)
		}
		if !prevState.CanTransition(*patch.State) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prevState, *patch.State)
		}
		node.State = *patch.State
	}
	if patch.Result != nil && *patch.Result != prevResult {
		if !model.ValidNodeResult(string(*patch.Result)) {
			return nil, fmt.Errorf("%w: unknown result %q", ErrInvalidInput, *patch.Result)
		}
		if prevState.Terminal() {
			return nil, fmt.Errorf("%w: result is frozen once done", ErrInvalidTransition)
		}
		node.Result = *patch.Result
	}

	if patch.Group != nil {
		node.Group = patch.Group
	}
	if patch.Data != nil {
		node.Data = patch.Data
	}
	if patch.Artifacts != nil {
		node.Artifacts = patch.Artifacts
	}
	if patch.UserGroups != nil {
		node.UserGroups = patch.UserGroups
	}
	if patch.Holdoff != nil {
		h := patch.Holdoff.UTC()
		node.Holdoff = &h
	}
	if patch.Timeout != nil {
		t := patch.Timeout.UTC()
		if t.Before(node.Created) {
			return nil, fmt.Errorf("%w: timeout precedes creation", ErrInvalidInput)
		}
		node.Timeout = t
	}
	if patch.RetryCounter != nil {
		node.RetryCounter = *patch.RetryCounter
	}

	expected := node.Updated
	if patch.ExpectedUpdated != nil {
		expected = patch.ExpectedUpdated.UTC()
	}

	// `updated` is non-decreasing even across clock adjustments.
	now := time.Now().UTC()
	if !now.After(node.Updated) {
		now = node.Updated.Add(time.Millisecond)
	}
	node.Updated = now

	if err := s.nodes.Update(ctx, node, expected); err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{NodeID: logger.Ptr(node.ID)})
	slog.InfoContext(ctx, "node updated",
		"state", node.State, "result", node.Result, "prev_state", prevState)

	s.publish(ctx, principal, model.EventOpUpdated, node)
	return node, nil
}

func (s *nodeService) Get(ctx context.Context, id int64) (*model.Node, error) {
	return s.nodes.Get(ctx, id)
}

func (s *nodeService) Query(ctx context.Context, filter *store.Filter, limit, offset int) ([]model.Node, int64, error) {
	items, err := s.nodes.Query(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.nodes.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *nodeService) Count(ctx context.Context, filter *store.Filter) (int64, error) {
	return s.nodes.Count(ctx, filter)
}

func (s *nodeService) publish(ctx context.Context, principal auth.Principal, op string, node *model.Node) {
	if _, err := s.publisher.Publish(ctx, principal, NodeChannel, NodeEventData(op, node)); err != nil {
		// The node document is the source of truth; a lost event only
		// delays workers until their next poll.
		slog.ErrorContext(ctx, "node event publish failed", "op", op, "error", err)
	}
}

// NodeEventData is the payload of the events emitted on the node channel.
// Ids are rendered as strings, matching the node wire encoding.
func NodeEventData(op string, node *model.Node) map[string]any {
	data := map[string]any{
		"op":    op,
		"id":    strconv.FormatInt(node.ID, 10),
		"kind":  node.Kind,
		"name":  node.Name,
		"state": string(node.State),
		"owner": node.Owner,
	}
	if node.Result != model.NodeResultAbsent {
		data["result"] = string(node.Result)
	}
	if node.Parent != nil {
		data["parent"] = strconv.FormatInt(*node.Parent, 10)
	}
	if node.Group != nil {
		data["group"] = *node.Group
	}
	return data
}

// canMutate implements the ownership rule: the owner can always mutate; a
// non-empty user_groups set additionally admits members of those groups.
// Reads are never restricted.
func canMutate(principal auth.Principal, node *model.Node) bool {
	if node.Owner == principal.Name {
		return true
	}
	for _, g := range node.UserGroups {
		if principal.InGroup(g) {
			return true
		}
	}
	return false
}

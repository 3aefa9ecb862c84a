package model_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kernelci.org/api/internal/model"
)

var _ = Describe("NodeState", func() {
	DescribeTable("CanTransition",
		func(from, to model.NodeState, allowed bool) {
			Expect(from.CanTransition(to)).To(Equal(allowed))
		},
		Entry("running to available", model.NodeStateRunning, model.NodeStateAvailable, true),
		Entry("running to done", model.NodeStateRunning, model.NodeStateDone, true),
		Entry("running to closing", model.NodeStateRunning, model.NodeStateClosing, false),
		Entry("available to closing", model.NodeStateAvailable, model.NodeStateClosing, true),
		Entry("available to done", model.NodeStateAvailable, model.NodeStateDone, true),
		Entry("available to running", model.NodeStateAvailable, model.NodeStateRunning, false),
		Entry("closing to done", model.NodeStateClosing, model.NodeStateDone, true),
		Entry("closing to available", model.NodeStateClosing, model.NodeStateAvailable, false),
		Entry("done to running", model.NodeStateDone, model.NodeStateRunning, false),
		Entry("done to available", model.NodeStateDone, model.NodeStateAvailable, false),
		Entry("done to closing", model.NodeStateDone, model.NodeStateClosing, false),
		Entry("no-op stays legal", model.NodeStateDone, model.NodeStateDone, true),
	)

	It("only running and available accept children", func() {
		Expect(model.NodeStateRunning.AcceptsChildren()).To(BeTrue())
		Expect(model.NodeStateAvailable.AcceptsChildren()).To(BeTrue())
		Expect(model.NodeStateClosing.AcceptsChildren()).To(BeFalse())
		Expect(model.NodeStateDone.AcceptsChildren()).To(BeFalse())
	})

	It("done is the only terminal state", func() {
		Expect(model.NodeStateDone.Terminal()).To(BeTrue())
		Expect(model.NodeStateRunning.Terminal()).To(BeFalse())
		Expect(model.NodeStateAvailable.Terminal()).To(BeFalse())
		Expect(model.NodeStateClosing.Terminal()).To(BeFalse())
	})

	It("validates state and result names", func() {
		Expect(model.ValidNodeState("running")).To(BeTrue())
		Expect(model.ValidNodeState("pending")).To(BeFalse())
		Expect(model.ValidNodeResult("")).To(BeTrue())
		Expect(model.ValidNodeResult("pass")).To(BeTrue())
		Expect(model.ValidNodeResult("unknown")).To(BeFalse())
	})
})

package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
)

func TestAllocator_Admission(t *testing.T) {
	budget := engine.Budget{
		CPUCores: 4,
		MemoryMB: 8192,
		DiskMB:   10240,
		GPUSlots: 1,
		Network:  map[string]int{"default": 2},
	}

	t.Run("NilRequirementAlwaysAdmitted", func(t *testing.T) {
		a := engine.NewAllocator(budget)
		_, ok := a.TryAdmit(nil)
		assert.True(t, ok)
	})

	t.Run("AllOrNothing", func(t *testing.T) {
		a := engine.NewAllocator(budget)
		// CPU fits, memory does not: nothing must be reserved.
		_, ok := a.TryAdmit(&models.ResourceRequirement{CPUCores: 1, MemoryMB: 9000})
		assert.False(t, ok)

		cpu, mem := a.InUse()
		assert.Zero(t, cpu)
		assert.Zero(t, mem)
	})

	t.Run("ReleaseReturnsCapacity", func(t *testing.T) {
		a := engine.NewAllocator(budget)
		req := &models.ResourceRequirement{CPUCores: 4, MemoryMB: 4096}
		token, ok := a.TryAdmit(req)
		assert.True(t, ok)

		_, ok = a.TryAdmit(&models.ResourceRequirement{CPUCores: 1})
		assert.False(t, ok)

		a.Release(token)
		_, ok = a.TryAdmit(&models.ResourceRequirement{CPUCores: 1})
		assert.True(t, ok)
	})

	t.Run("DoubleReleaseIgnored", func(t *testing.T) {
		a := engine.NewAllocator(budget)
		token, ok := a.TryAdmit(&models.ResourceRequirement{CPUCores: 2})
		assert.True(t, ok)
		a.Release(token)
		a.Release(token)
		cpu, _ := a.InUse()
		assert.Zero(t, cpu)
	})

	t.Run("GPUSlots", func(t *testing.T) {
		a := engine.NewAllocator(budget)
		_, ok := a.TryAdmit(&models.ResourceRequirement{GPU: true})
		assert.True(t, ok)
		_, ok = a.TryAdmit(&models.ResourceRequirement{GPU: true})
		assert.False(t, ok)
	})

	t.Run("NetworkClassLimit", func(t *testing.T) {
		a := engine.NewAllocator(budget)
		_, ok := a.TryAdmit(&models.ResourceRequirement{NetworkClass: "default"})
		assert.True(t, ok)
		_, ok = a.TryAdmit(&models.ResourceRequirement{NetworkClass: "default"})
		assert.True(t, ok)
		_, ok = a.TryAdmit(&models.ResourceRequirement{NetworkClass: "default"})
		assert.False(t, ok)

		// Unknown class has no budget at all.
		_, ok = a.TryAdmit(&models.ResourceRequirement{NetworkClass: "bulk"})
		assert.False(t, ok)
	})

	t.Run("CustomDimensions", func(t *testing.T) {
		b := budget
		b.Custom = map[string]int64{"licenses": 2}
		a := engine.NewAllocator(b)
		_, ok := a.TryAdmit(&models.ResourceRequirement{Custom: map[string]int64{"licenses": 2}})
		assert.True(t, ok)
		_, ok = a.TryAdmit(&models.ResourceRequirement{Custom: map[string]int64{"licenses": 1}})
		assert.False(t, ok)
	})
}

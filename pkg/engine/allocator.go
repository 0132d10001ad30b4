package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// Budget is the capacity available per resource dimension. Network
// capacity is tracked per class; Custom per named dimension.
type Budget struct {
	CPUCores float64
	MemoryMB int64
	DiskMB   int64
	GPUSlots int
	Network  map[string]int
	Custom   map[string]int64
}

// DefaultBudget sizes the budget for a single mid-range host.
func DefaultBudget() Budget {
	return Budget{
		CPUCores: 8,
		MemoryMB: 16 * 1024,
		DiskMB:   100 * 1024,
		GPUSlots: 1,
		Network:  map[string]int{"default": 32},
	}
}

func (b Budget) isZero() bool {
	return b.CPUCores == 0 && b.MemoryMB == 0 && b.DiskMB == 0 &&
		b.GPUSlots == 0 && len(b.Network) == 0 && len(b.Custom) == 0
}

// AdmissionToken is the receipt for a successful reservation; it must
// be released exactly once when the admitted node reaches a terminal
// state.
type AdmissionToken struct {
	ID  string
	req *models.ResourceRequirement
}

// Allocator admits ready work against the budget with all-or-nothing
// greedy reservation: a node either reserves every declared dimension
// or waits. Budget counters are owned exclusively by TryAdmit/Release.
// There is no starvation guarantee beyond the scheduler's priority
// ordering; that is a documented limitation.
type Allocator struct {
	mu      sync.Mutex
	budget  Budget
	cpu     float64
	memMB   int64
	diskMB  int64
	gpu     int
	network map[string]int
	custom  map[string]int64
	claims  map[string]*models.ResourceRequirement
}

func NewAllocator(budget Budget) *Allocator {
	return &Allocator{
		budget:  budget,
		network: make(map[string]int),
		custom:  make(map[string]int64),
		claims:  make(map[string]*models.ResourceRequirement),
	}
}

// TryAdmit reserves req against the remaining budget. A nil req is
// unconstrained and always admitted. ok==false means the node stays
// queued and is re-evaluated on a later tick; it is deferral, not
// failure.
func (a *Allocator) TryAdmit(req *models.ResourceRequirement) (AdmissionToken, bool) {
	token := AdmissionToken{ID: uuid.NewString(), req: req}
	if req == nil {
		return token, true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.fitsLocked(req) {
		return AdmissionToken{}, false
	}
	a.cpu += req.CPUCores
	a.memMB += req.MemoryMB
	a.diskMB += req.DiskMB
	if req.GPU {
		a.gpu++
	}
	if req.NetworkClass != "" {
		a.network[req.NetworkClass]++
	}
	for dim, amount := range req.Custom {
		a.custom[dim] += amount
	}
	a.claims[token.ID] = req
	return token, true
}

func (a *Allocator) fitsLocked(req *models.ResourceRequirement) bool {
	if a.cpu+req.CPUCores > a.budget.CPUCores {
		return false
	}
	if a.memMB+req.MemoryMB > a.budget.MemoryMB {
		return false
	}
	if a.diskMB+req.DiskMB > a.budget.DiskMB {
		return false
	}
	if req.GPU && a.gpu+1 > a.budget.GPUSlots {
		return false
	}
	if req.NetworkClass != "" {
		limit, ok := a.budget.Network[req.NetworkClass]
		if !ok || a.network[req.NetworkClass]+1 > limit {
			return false
		}
	}
	for dim, amount := range req.Custom {
		limit, ok := a.budget.Custom[dim]
		if !ok || a.custom[dim]+amount > limit {
			return false
		}
	}
	return true
}

// Release returns a token's reservation to the budget. Unknown or
// already-released tokens are ignored.
func (a *Allocator) Release(token AdmissionToken) {
	if token.req == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.claims[token.ID]
	if !ok {
		return
	}
	delete(a.claims, token.ID)
	a.cpu -= req.CPUCores
	a.memMB -= req.MemoryMB
	a.diskMB -= req.DiskMB
	if req.GPU {
		a.gpu--
	}
	if req.NetworkClass != "" {
		a.network[req.NetworkClass]--
	}
	for dim, amount := range req.Custom {
		a.custom[dim] -= amount
	}
}

// InUse reports the currently reserved CPU cores and memory, for
// metrics.
func (a *Allocator) InUse() (cpu float64, memMB int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cpu, a.memMB
}

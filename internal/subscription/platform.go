package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryPlatform is an in-process Platform. The answer given to a prompt is
// configured up front; SetPermission models the user changing it in settings.
type MemoryPlatform struct {
	mu            sync.Mutex
	permission    Permission
	answer        Permission
	token         string
	prompts       int
	registrations int
}

// NewMemoryPlatform starts with permission undecided. answer is what the
// user picks when prompted.
func NewMemoryPlatform(answer Permission) *MemoryPlatform {
	return &MemoryPlatform{permission: PermissionDefault, answer: answer}
}

func (p *MemoryPlatform) Permission(_ context.Context) (Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission, nil
}

func (p *MemoryPlatform) RequestPermission(_ context.Context) (Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts++
	if p.permission == PermissionDefault {
		p.permission = p.answer
	}
	return p.permission, nil
}

func (p *MemoryPlatform) DeviceToken(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission != PermissionGranted {
		return "", nil
	}
	return p.token, nil
}

func (p *MemoryPlatform) RegisterDevice(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registrations++
	if p.token == "" {
		p.token = uuid.New().String()
	}
	return p.token, nil
}

// SetPermission changes the stored permission; revoking also drops the
// device registration.
func (p *MemoryPlatform) SetPermission(perm Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = perm
	if perm == PermissionDenied {
		p.token = ""
	}
}

func (p *MemoryPlatform) Prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func (p *MemoryPlatform) Registrations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registrations
}

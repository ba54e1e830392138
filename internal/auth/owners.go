package auth

import (
	"context"
	"strings"
	"sync"
)

// Owner is an account that uploads documents and decides on access requests.
type Owner struct {
	ID           string `json:"id" toml:"id"`
	Email        string `json:"email" toml:"email"`
	Name         string `json:"name" toml:"name"`
	PasswordHash string `json:"-" toml:"password_hash"`
}

// Directory resolves owners by id or login email.
type Directory struct {
	mu      sync.RWMutex
	byID    map[string]Owner
	byEmail map[string]string
}

func NewDirectory(owners ...Owner) (*Directory, error) {
	d := &Directory{
		byID:    make(map[string]Owner),
		byEmail: make(map[string]string),
	}
	for _, o := range owners {
		if err := d.Add(o); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers an owner. Emails compare case-insensitively.
func (d *Directory) Add(o Owner) error {
	o.ID = strings.TrimSpace(o.ID)
	o.Email = strings.TrimSpace(o.Email)
	if o.ID == "" || o.Email == "" || o.PasswordHash == "" {
		return ErrInvalidInput
	}
	key := strings.ToLower(o.Email)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[o.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := d.byEmail[key]; ok {
		return ErrAlreadyExists
	}
	d.byID[o.ID] = o
	d.byEmail[key] = o.ID
	return nil
}

func (d *Directory) Get(_ context.Context, id string) (Owner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.byID[strings.TrimSpace(id)]
	if !ok {
		return Owner{}, ErrNotFound
	}
	return o, nil
}

// Authenticate checks the password for email. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials.
func (d *Directory) Authenticate(_ context.Context, email, password string) (Owner, error) {
	d.mu.RLock()
	id, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	o := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return Owner{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(o.PasswordHash, password); err != nil {
		return Owner{}, ErrInvalidCredentials
	}
	return o, nil
}

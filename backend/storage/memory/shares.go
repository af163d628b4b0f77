package memory

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/beacon/backend/model"
)

const (
	DefaultShareTTL = 30 * time.Minute

	shareCodeLength = 8
)

var (
	ErrShareNotFound    = errors.New("share not found")
	ErrShareExpired     = errors.New("share has expired")
	ErrInvalidShareCode = errors.New("share code must be 8 alphanumeric characters")
	ErrNotShareOwner    = errors.New("share is owned by another endpoint")
)

// ShareStore maps share codes to manifests. Codes are stored upper-cased so
// lookups are case-insensitive.
type ShareStore struct {
	mx  *sync.Mutex
	db  map[string]*model.ShareEntry
	ttl time.Duration
	now func() time.Time
}

func NewShareStore(ttl time.Duration) *ShareStore {
	if ttl <= 0 {
		ttl = DefaultShareTTL
	}
	return &ShareStore{
		mx:  &sync.Mutex{},
		db:  make(map[string]*model.ShareEntry),
		ttl: ttl,
		now: time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (ss *ShareStore) SetClock(now func() time.Time) {
	ss.mx.Lock()
	ss.now = now
	ss.mx.Unlock()
}

func NormalizeShareCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != shareCodeLength {
		return "", ErrInvalidShareCode
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", ErrInvalidShareCode
		}
	}
	return code, nil
}

// Create stores the manifest under code. An existing code is overwritten:
// collisions are the caller's problem.
func (ss *ShareStore) Create(code string, files []model.FileInfo, ownerEndpointID string) (model.ShareEntry, error) {
	code, err := NormalizeShareCode(code)
	if err != nil {
		return model.ShareEntry{}, err
	}
	now := ss.now()
	entry := &model.ShareEntry{
		Code:            code,
		Files:           append([]model.FileInfo(nil), files...),
		OwnerEndpointID: ownerEndpointID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ss.ttl),
	}

	ss.mx.Lock()
	ss.db[code] = entry
	ss.mx.Unlock()
	return *entry, nil
}

// Resolve returns the live entry for code. The expiry instant itself counts
// as expired.
func (ss *ShareStore) Resolve(code string) (model.ShareEntry, error) {
	code, err := NormalizeShareCode(code)
	if err != nil {
		return model.ShareEntry{}, errors.Join(ErrShareNotFound, err)
	}
	ss.mx.Lock()
	defer ss.mx.Unlock()

	entry, ok := ss.db[code]
	if !ok {
		return model.ShareEntry{}, ErrShareNotFound
	}
	if !ss.now().Before(entry.ExpiresAt) {
		delete(ss.db, code)
		return model.ShareEntry{}, ErrShareExpired
	}
	res := *entry
	res.Files = append([]model.FileInfo(nil), entry.Files...)
	return res, nil
}

func (ss *ShareStore) Cancel(code, ownerEndpointID string) error {
	code, err := NormalizeShareCode(code)
	if err != nil {
		return errors.Join(ErrShareNotFound, err)
	}
	ss.mx.Lock()
	defer ss.mx.Unlock()

	entry, ok := ss.db[code]
	if !ok {
		return ErrShareNotFound
	}
	if entry.OwnerEndpointID != ownerEndpointID {
		return ErrNotShareOwner
	}
	delete(ss.db, code)
	return nil
}

// DropOwner deletes every share owned by the endpoint and returns how many.
func (ss *ShareStore) DropOwner(ownerEndpointID string) int {
	ss.mx.Lock()
	defer ss.mx.Unlock()

	var n int
	for code, entry := range ss.db {
		if entry.OwnerEndpointID == ownerEndpointID {
			delete(ss.db, code)
			n++
		}
	}
	return n
}

// Sweep deletes expired entries.
func (ss *ShareStore) Sweep() int {
	ss.mx.Lock()
	defer ss.mx.Unlock()

	var (
		n   int
		now = ss.now()
	)
	for code, entry := range ss.db {
		if !now.Before(entry.ExpiresAt) {
			delete(ss.db, code)
			n++
		}
	}
	return n
}

func (ss *ShareStore) Count() int {
	ss.mx.Lock()
	defer ss.mx.Unlock()
	return len(ss.db)
}

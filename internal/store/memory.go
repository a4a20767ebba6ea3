package store

import (
	"context"
	"sort"
	"sync"

	"options-dekho/internal/models"
)

// MemoryStore keeps everything in process memory. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]models.User // by id
	emails    map[string]string      // email -> id
	tokens    map[string]models.StoredToken
	watchlist map[string][]models.WatchlistEntry // by user, position order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]models.User),
		emails:    make(map[string]string),
		tokens:    make(map[string]models.StoredToken),
		watchlist: make(map[string][]models.WatchlistEntry),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := normalizeEmail(user.Email)
	if _, taken := m.emails[email]; taken {
		return errEmailTaken(email)
	}
	user.Email = email
	u := *user
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[normalizeEmail(email)]
	if !ok {
		return nil, errUserNotFound(email)
	}
	u := m.users[id]
	return &u, nil
}

func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, errUserNotFound(id)
	}
	return &u, nil
}

func (m *MemoryStore) UpsertToken(ctx context.Context, token models.StoredToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.UserID] = token
	return nil
}

func (m *MemoryStore) GetToken(ctx context.Context, userID string) (*models.StoredToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[userID]
	if !ok {
		return nil, errTokenNotFound(userID)
	}
	return &t, nil
}

func (m *MemoryStore) DeleteToken(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}

func (m *MemoryStore) ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := append([]models.WatchlistEntry(nil), m.watchlist[userID]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	return rows, nil
}

func (m *MemoryStore) InsertWatchlist(ctx context.Context, entry *models.WatchlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxPos := 0
	for _, e := range m.watchlist[entry.UserID] {
		maxPos = max(maxPos, e.Position)
	}
	entry.Position = maxPos + 1
	m.watchlist[entry.UserID] = append(m.watchlist[entry.UserID], *entry)
	return nil
}

func (m *MemoryStore) UpdateWatchlistResolution(ctx context.Context, userID, id, tradingsymbol string, instrumentToken int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.watchlist[userID]
	for i := range rows {
		if rows[i].ID != id {
			continue
		}
		if rows[i].Tradingsymbol == "" {
			rows[i].Tradingsymbol = tradingsymbol
		}
		if rows[i].InstrumentToken == 0 {
			rows[i].InstrumentToken = instrumentToken
		}
		return nil
	}
	return errEntryNotFound(id)
}

func (m *MemoryStore) DeleteWatchlist(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.watchlist[userID]
	for i := range rows {
		if rows[i].ID == id {
			m.watchlist[userID] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return errEntryNotFound(id)
}

func (m *MemoryStore) ReplaceWatchlist(ctx context.Context, userID string, entries []models.WatchlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchlist[userID] = append([]models.WatchlistEntry(nil), entries...)
	return nil
}

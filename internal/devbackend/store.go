package devbackend

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"marketplace/dashboard/internal/model"
)

var (
	errNotFound  = errors.New("not found")
	errDuplicate = errors.New("duplicate")
)

type account struct {
	model.User
	PasswordHash string
}

type refreshSession struct {
	ID        string
	UserID    int64
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// record is one row of a schemaless collection. The id lives under "id".
type record map[string]interface{}

type collection struct {
	nextID int64
	items  map[int64]record
}

func (c *collection) list(match func(record) bool) []record {
	ids := make([]int64, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]record, 0, len(ids))
	for _, id := range ids {
		item := c.items[id]
		if match == nil || match(item) {
			out = append(out, item.clone())
		}
	}
	return out
}

func (c *collection) insert(item record) record {
	c.nextID++
	stored := item.clone()
	stored["id"] = c.nextID
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	c.items[c.nextID] = stored
	return stored.clone()
}

func (r record) clone() record {
	out := make(record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store is the in-memory state of the development backend.
type Store struct {
	mu          sync.Mutex
	nextUserID  int64
	users       map[int64]*account
	sessions    map[string]*refreshSession
	collections map[string]*collection
}

const (
	Products     = "products"
	Categories   = "categories"
	Packages     = "packages"
	Payments     = "payments"
	Reports      = "reports"
	Reviews      = "reviews"
	Chats        = "chats"
	Messages     = "messages"
	ContactAdmin = "contact"
)

func NewStore() *Store {
	s := &Store{
		users:       map[int64]*account{},
		sessions:    map[string]*refreshSession{},
		collections: map[string]*collection{},
	}
	for _, name := range []string{Products, Categories, Packages, Payments, Reports, Reviews, Chats, Messages, ContactAdmin} {
		s.collections[name] = &collection{items: map[int64]record{}}
	}
	return s
}

func (s *Store) CreateUser(user model.User, password string) (model.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return model.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, user.Username) {
			return model.User{}, errDuplicate
		}
	}
	s.nextUserID++
	user.ID = s.nextUserID
	if user.Role == "" {
		user.Role = "user"
	}
	if user.CreatedAt == "" {
		user.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	s.users[user.ID] = &account{User: user, PasswordHash: hash}
	return user, nil
}

func (s *Store) UserByUsername(username string) (account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.users {
		if strings.EqualFold(acc.Username, username) {
			return *acc, nil
		}
	}
	return account{}, errNotFound
}

func (s *Store) UserByID(id int64) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.users[id]
	if !ok {
		return model.User{}, errNotFound
	}
	return acc.User, nil
}

func (s *Store) ListUsers() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, 0, len(s.users))
	for _, acc := range s.users {
		out = append(out, acc.User)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) UpdateUser(id int64, apply func(*model.User)) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.users[id]
	if !ok {
		return model.User{}, errNotFound
	}
	apply(&acc.User)
	acc.ID = id
	return acc.User, nil
}

func (s *Store) DeleteUser(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return errNotFound
	}
	delete(s.users, id)
	return nil
}

// consumeFreeAd decrements the user's free ad allowance. Admins and users
// with an active package are not limited.
func (s *Store) consumeFreeAd(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.users[id]
	if !ok {
		return false
	}
	if acc.Role == model.RoleAdmin || acc.ActivePackage != nil {
		return true
	}
	if acc.FreeAdsRemaining <= 0 {
		return false
	}
	acc.FreeAdsRemaining--
	return true
}

func (s *Store) CreateRefreshSession(session refreshSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.TokenHash] = &session
}

func (s *Store) GetRefreshSession(tokenHash string) (refreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenHash]
	if !ok {
		return refreshSession{}, errNotFound
	}
	return *session, nil
}

func (s *Store) RevokeRefreshSession(tokenHash string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[tokenHash]; ok {
		session.RevokedAt = &at
	}
}

func (s *Store) RevokeAllRefreshSessions(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.RevokedAt == nil {
			revokedAt := at
			session.RevokedAt = &revokedAt
		}
	}
}

func (s *Store) List(name string, match func(record) bool) []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[name].list(match)
}

func (s *Store) Get(name string, id int64) (record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.collections[name].items[id]
	if !ok {
		return nil, errNotFound
	}
	return item.clone(), nil
}

func (s *Store) Insert(name string, item record) record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[name].insert(item)
}

// Update merges fields into the stored record. With replace set, fields
// absent from the update are dropped (PUT semantics).
func (s *Store) Update(name string, id int64, fields record, replace bool) (record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[name]
	item, ok := col.items[id]
	if !ok {
		return nil, errNotFound
	}
	if replace {
		next := record{"id": id}
		if created, ok := item["created_at"]; ok {
			next["created_at"] = created
		}
		item = next
	}
	for k, v := range fields {
		if k == "id" || k == "created_at" {
			continue
		}
		item[k] = v
	}
	item["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	col.items[id] = item
	return item.clone(), nil
}

func (s *Store) Delete(name string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[name]
	if _, ok := col.items[id]; !ok {
		return errNotFound
	}
	delete(col.items, id)
	return nil
}

// Seed loads a small marketplace: one admin, one regular seller with no
// free ads left, and a few rows in every collection.
func (s *Store) Seed() error {
	if _, err := s.CreateUser(model.User{Username: "admin", Email: "admin@marketplace.test", Role: model.RoleAdmin}, "admin123"); err != nil {
		return err
	}
	seller, err := s.CreateUser(model.User{Username: "seller", Email: "seller@marketplace.test", Role: "user"}, "seller123")
	if err != nil {
		return err
	}

	books := s.Insert(Categories, record{"name": "Books", "description": "Course books and notes"})
	s.Insert(Categories, record{"name": "Electronics", "description": "Laptops, phones, calculators"})

	sellerInfo := map[string]interface{}{"id": seller.ID, "email": seller.Email, "first_name": "Sam"}
	s.Insert(Products, record{"title": "Linear Algebra, 4th ed.", "price": "120.00", "condition": "used", "category": books["id"], "category_name": "Books", "seller": sellerInfo, "status": "active", "is_featured": false})
	s.Insert(Products, record{"title": "Graphing calculator", "price": "450.00", "condition": "new", "category": int64(2), "category_name": "Electronics", "seller": sellerInfo, "status": "pending", "is_featured": false})
	s.Insert(Products, record{"title": "Lab coat", "price": "80.00", "condition": "used", "category": books["id"], "category_name": "Books", "seller": sellerInfo, "status": "inactive", "is_featured": false})

	basic := s.Insert(Packages, record{"name": "Basic", "price": "50.00", "duration_in_days": 30, "ad_limit": 5, "featured_ad_limit": 0, "description": "Five ads for a month"})
	s.Insert(Packages, record{"name": "Pro", "price": "150.00", "duration_in_days": 30, "ad_limit": 25, "featured_ad_limit": 5, "description": "For frequent sellers"})

	s.Insert(Payments, record{"user": seller.ID, "user_name": seller.Username, "package": basic["id"], "package_name": "Basic", "payment_method": "bank_transfer", "amount": "50.00", "status": "pending_confirmation"})
	s.Insert(Payments, record{"user": seller.ID, "user_name": seller.Username, "package": basic["id"], "package_name": "Basic", "payment_method": "cash", "amount": "50.00", "status": "pending_confirmation"})
	s.Insert(Payments, record{"user": seller.ID, "user_name": seller.Username, "package": basic["id"], "package_name": "Basic", "payment_method": "card", "amount": "50.00", "status": "confirmed"})

	s.Insert(Reports, record{"product": int64(1), "reporter": seller.ID, "reporter_name": seller.Username, "reason": "spam", "status": "pending"})
	s.Insert(Reviews, record{"product": int64(1), "user": seller.ID, "user_name": seller.Username, "rating": 4, "comment": "As described"})
	chat := s.Insert(Chats, record{"participants": []int64{1, seller.ID}, "product": int64(1)})
	s.Insert(Messages, record{"chat": chat["id"], "sender": seller.ID, "content": "Is this still available?"})
	s.Insert(ContactAdmin, record{"name": "Visitor", "email": "visitor@example.test", "message": "How do packages work?", "status": "pending"})
	return nil
}

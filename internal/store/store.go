// Package store persists users, image metadata and saved configurations as a
// single versioned document behind a pluggable driver.
package store

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/berth/schema"
	"pkt.systems/pslog"
)

// Driver loads and saves the whole document.
type Driver interface {
	// Load returns the stored document and whether one existed.
	Load(ctx context.Context) (Document, bool, error)
	// Save replaces the stored document.
	Save(ctx context.Context, doc Document) error
	Close() error
}

// Transactor is implemented by drivers that can run a read-modify-write cycle
// atomically. Drivers without it get last-writer-wins semantics.
type Transactor interface {
	Update(ctx context.Context, fn func(*Document) error) error
}

// Store exposes typed accessors over a Driver.
type Store struct {
	driver Driver
	log    pslog.Logger
}

// Open wraps driver, writing an initial document seeded with seeds when the
// driver holds no users yet.
func Open(ctx context.Context, driver Driver, seeds []schema.User, logger pslog.Logger) (*Store, error) {
	if driver == nil {
		return nil, errors.New("store driver is required")
	}
	s := &Store{driver: driver, log: logger}
	err := s.Update(ctx, func(doc *Document) error {
		if len(doc.Users) > 0 {
			return errSkipWrite
		}
		doc.Users = append(doc.Users, seeds...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("store open ok", "seeds", len(seeds))
	}
	return s, nil
}

// Close releases the driver.
func (s *Store) Close() error {
	return s.driver.Close()
}

var errSkipWrite = errors.New("skip write")

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot(ctx context.Context) (Document, error) {
	doc, _, err := s.driver.Load(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Warn("store load failed", "err", err)
		}
		return Document{}, err
	}
	doc.normalize()
	return doc, nil
}

// Update applies fn to the current document and saves the result. Returning
// an error from fn aborts without writing.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) error {
	var err error
	if tx, ok := s.driver.(Transactor); ok {
		err = tx.Update(ctx, func(doc *Document) error {
			doc.normalize()
			return fn(doc)
		})
	} else {
		err = s.readModifyWrite(ctx, fn)
	}
	if errors.Is(err, errSkipWrite) {
		return nil
	}
	if err != nil && s.log != nil && !isDomainError(err) {
		s.log.Warn("store update failed", "err", err)
	}
	return err
}

func (s *Store) readModifyWrite(ctx context.Context, fn func(*Document) error) error {
	doc, existed, err := s.driver.Load(ctx)
	if err != nil {
		return err
	}
	if !existed {
		doc = NewDocument()
	}
	doc.normalize()
	if err := fn(&doc); err != nil {
		return err
	}
	return s.driver.Save(ctx, doc)
}

func isDomainError(err error) bool {
	return errors.Is(err, schema.ErrNotFound) ||
		errors.Is(err, schema.ErrConflict) ||
		errors.Is(err, schema.ErrForbidden) ||
		errors.Is(err, schema.ErrInvalidInput)
}

// Users returns all user records, credentials included.
func (s *Store) Users(ctx context.Context) ([]schema.User, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Users, nil
}

// UserByID returns the user with id.
func (s *Store) UserByID(ctx context.Context, id schema.UserID) (schema.User, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return schema.User{}, err
	}
	idx := doc.userIndexByID(id)
	if idx < 0 {
		return schema.User{}, fmt.Errorf("user %s: %w", id, schema.ErrNotFound)
	}
	return doc.Users[idx], nil
}

// UserByName returns the user with username.
func (s *Store) UserByName(ctx context.Context, username string) (schema.User, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return schema.User{}, err
	}
	idx := doc.userIndexByName(username)
	if idx < 0 {
		return schema.User{}, fmt.Errorf("user %q: %w", username, schema.ErrNotFound)
	}
	return doc.Users[idx], nil
}

// CreateUser appends user, failing with ErrConflict when the username is taken.
func (s *Store) CreateUser(ctx context.Context, user schema.User) error {
	return s.Update(ctx, func(doc *Document) error {
		if doc.userIndexByName(user.Username) >= 0 {
			return fmt.Errorf("username %q: %w", user.Username, schema.ErrConflict)
		}
		if doc.userIndexByID(user.ID) >= 0 {
			return fmt.Errorf("user id %s: %w", user.ID, schema.ErrConflict)
		}
		doc.Users = append(doc.Users, user)
		return nil
	})
}

// UpdateUser applies fn to the stored user with id and returns the result.
func (s *Store) UpdateUser(ctx context.Context, id schema.UserID, fn func(*schema.User) error) (schema.User, error) {
	var updated schema.User
	err := s.Update(ctx, func(doc *Document) error {
		idx := doc.userIndexByID(id)
		if idx < 0 {
			return fmt.Errorf("user %s: %w", id, schema.ErrNotFound)
		}
		user := doc.Users[idx]
		if err := fn(&user); err != nil {
			return err
		}
		doc.Users[idx] = user
		updated = user
		return nil
	})
	return updated, err
}

// DeleteUser removes the user with id together with their saved configuration.
func (s *Store) DeleteUser(ctx context.Context, id schema.UserID) error {
	return s.Update(ctx, func(doc *Document) error {
		idx := doc.userIndexByID(id)
		if idx < 0 {
			return fmt.Errorf("user %s: %w", id, schema.ErrNotFound)
		}
		doc.Users = append(doc.Users[:idx], doc.Users[idx+1:]...)
		delete(doc.UserConfigs, id)
		return nil
	})
}

// ImageMeta returns the metadata stored under key.
func (s *Store) ImageMeta(ctx context.Context, key string) (schema.ImageMeta, bool, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return schema.ImageMeta{}, false, err
	}
	meta, ok := doc.ImageMeta[key]
	return meta, ok, nil
}

// AllImageMeta returns every metadata entry.
func (s *Store) AllImageMeta(ctx context.Context) (map[string]schema.ImageMeta, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return doc.ImageMeta, nil
}

// PutImageMeta replaces the metadata stored under key.
func (s *Store) PutImageMeta(ctx context.Context, key string, meta schema.ImageMeta) error {
	return s.Update(ctx, func(doc *Document) error {
		doc.ImageMeta[key] = meta
		return nil
	})
}

// UpdateImageMeta applies fn to the entry under key inside one update cycle.
func (s *Store) UpdateImageMeta(ctx context.Context, key string, fn func(current schema.ImageMeta, exists bool) (schema.ImageMeta, error)) (schema.ImageMeta, error) {
	var result schema.ImageMeta
	err := s.Update(ctx, func(doc *Document) error {
		current, exists := doc.ImageMeta[key]
		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		doc.ImageMeta[key] = next
		result = next
		return nil
	})
	return result, err
}

// DeleteImageMeta removes the entry under key. Missing entries are not an error.
func (s *Store) DeleteImageMeta(ctx context.Context, key string) error {
	return s.Update(ctx, func(doc *Document) error {
		if _, ok := doc.ImageMeta[key]; !ok {
			return errSkipWrite
		}
		delete(doc.ImageMeta, key)
		return nil
	})
}

// CountImagesOwnedBy counts metadata entries owned by id.
func (s *Store) CountImagesOwnedBy(ctx context.Context, id schema.UserID) (int, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, meta := range doc.ImageMeta {
		if meta.OwnerID == id {
			count++
		}
	}
	return count, nil
}

// UserConfig returns the saved configuration of id, empty when none is stored.
func (s *Store) UserConfig(ctx context.Context, id schema.UserID) (schema.UserConfig, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return schema.UserConfig{}, err
	}
	cfg, ok := doc.UserConfigs[id]
	if !ok || cfg.SavedVars == nil {
		cfg.SavedVars = []schema.EnvVar{}
	}
	return cfg, nil
}

// PutUserConfig replaces the saved configuration of id.
func (s *Store) PutUserConfig(ctx context.Context, id schema.UserID, cfg schema.UserConfig) error {
	if cfg.SavedVars == nil {
		cfg.SavedVars = []schema.EnvVar{}
	}
	return s.Update(ctx, func(doc *Document) error {
		doc.UserConfigs[id] = cfg
		return nil
	})
}

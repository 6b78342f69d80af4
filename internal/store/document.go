package store

import "pkt.systems/berth/schema"

// DocumentVersion is the schema version written into new documents.
const DocumentVersion = 1

// Document is the whole persisted state. Every write replaces it entirely.
type Document struct {
	Version     int                                 `json:"version,omitempty"`
	Users       []schema.User                       `json:"users"`
	ImageMeta   map[string]schema.ImageMeta         `json:"imageMeta"`
	UserConfigs map[schema.UserID]schema.UserConfig `json:"userConfigs"`
}

// NewDocument returns an empty document at the current version.
func NewDocument() Document {
	return Document{
		Version:     DocumentVersion,
		Users:       []schema.User{},
		ImageMeta:   map[string]schema.ImageMeta{},
		UserConfigs: map[schema.UserID]schema.UserConfig{},
	}
}

// normalize fills collections missing from documents written by older versions.
func (d *Document) normalize() {
	if d.Version == 0 {
		d.Version = DocumentVersion
	}
	if d.Users == nil {
		d.Users = []schema.User{}
	}
	if d.ImageMeta == nil {
		d.ImageMeta = map[string]schema.ImageMeta{}
	}
	if d.UserConfigs == nil {
		d.UserConfigs = map[schema.UserID]schema.UserConfig{}
	}
}

// Clone returns a deep copy so callers can mutate without aliasing a cache.
func (d Document) Clone() Document {
	out := Document{
		Version:     d.Version,
		Users:       make([]schema.User, len(d.Users)),
		ImageMeta:   make(map[string]schema.ImageMeta, len(d.ImageMeta)),
		UserConfigs: make(map[schema.UserID]schema.UserConfig, len(d.UserConfigs)),
	}
	copy(out.Users, d.Users)
	for key, meta := range d.ImageMeta {
		meta.DefaultEnvs = append([]schema.EnvVar(nil), meta.DefaultEnvs...)
		out.ImageMeta[key] = meta
	}
	for id, cfg := range d.UserConfigs {
		cfg.SavedVars = append([]schema.EnvVar(nil), cfg.SavedVars...)
		out.UserConfigs[id] = cfg
	}
	return out
}

func (d *Document) userIndexByID(id schema.UserID) int {
	for i := range d.Users {
		if d.Users[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) userIndexByName(username string) int {
	for i := range d.Users {
		if d.Users[i].Username == username {
			return i
		}
	}
	return -1
}

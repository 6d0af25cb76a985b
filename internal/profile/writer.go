// Package profile implements the per-writer presence file each instance
// drops into every Storage Directory it touches: profiles/<profileId>.json,
// used by peers to render human-readable stale-sync diagnostics against a
// name and machine rather than a bare UUID pair.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/notesync/engine/internal/fscap"
	"github.com/notesync/engine/internal/index"
)

// Identity is the set of fields that, on change, trigger a rewrite of the
// presence file.
type Identity struct {
	ProfileID   string
	InstanceID  string
	ProfileName string
	UserHandle  string
	Username    string
	Hostname    string
	Platform    string
	AppVersion  string
}

// document is the on-disk JSON shape of profiles/<profileId>.json.
type document struct {
	ProfileID   string `json:"profileId"`
	InstanceID  string `json:"instanceId"`
	ProfileName string `json:"profileName"`
	User        string `json:"user"`
	Username    string `json:"username"`
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	AppVersion  string `json:"appVersion"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Writer persists this instance's presence file into every SD it is
// registered against, rewriting it only when one of Identity's fields has
// actually changed since the last write for that SD.
type Writer struct {
	cap    fscap.Capability
	idx    *index.Store
	ident  Identity
	nowFn  func() time.Time

	mu   sync.Mutex
	last map[string]Identity // sdID -> last-written identity
}

// NewWriter returns a Writer for the given identity. nowFn defaults to
// time.Now; tests may override it for deterministic timestamps.
func NewWriter(cap fscap.Capability, idx *index.Store, ident Identity, nowFn func() time.Time) *Writer {
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Writer{cap: cap, idx: idx, ident: ident, nowFn: nowFn, last: make(map[string]Identity)}
}

// EnsureWritten writes profiles/<profileId>.json under sdRoot if this is
// the writer's first contact with sdID or if any identity field has
// changed since the last write. It is safe to call on every sync cycle:
// the common case is a no-op comparison against cached state.
func (w *Writer) EnsureWritten(ctx context.Context, sdID, sdRoot string) error {
	w.mu.Lock()
	last, seen := w.last[sdID]
	changed := !seen || last != w.ident
	w.mu.Unlock()

	if !changed {
		return nil
	}

	now := w.nowFn().UnixMilli()

	doc := document{
		ProfileID:   w.ident.ProfileID,
		InstanceID:  w.ident.InstanceID,
		ProfileName: w.ident.ProfileName,
		User:        w.ident.UserHandle,
		Username:    w.ident.Username,
		Hostname:    w.ident.Hostname,
		Platform:    w.ident.Platform,
		AppVersion:  w.ident.AppVersion,
		LastUpdated: now,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("profile: encoding presence document: %w", err)
	}

	path := w.cap.JoinPath(sdRoot, "profiles", w.ident.ProfileID+".json")
	if err := w.cap.Write(ctx, path, data); err != nil {
		return fmt.Errorf("profile: writing %s: %w", path, err)
	}

	if w.idx != nil {
		presence := index.ProfilePresence{
			SDID:        sdID,
			ProfileID:   w.ident.ProfileID,
			InstanceID:  w.ident.InstanceID,
			ProfileName: w.ident.ProfileName,
			UserHandle:  w.ident.UserHandle,
			Username:    w.ident.Username,
			Hostname:    w.ident.Hostname,
			Platform:    w.ident.Platform,
			AppVersion:  w.ident.AppVersion,
			LastUpdated: now,
		}

		if err := w.idx.SaveProfilePresence(ctx, presence); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.last[sdID] = w.ident
	w.mu.Unlock()

	return nil
}

// SetIdentity updates the fields this writer reports, so the next
// EnsureWritten call for any already-seen SD detects the change and
// rewrites that SD's presence file.
func (w *Writer) SetIdentity(ident Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ident = ident
}

package index

import (
	"context"
	"fmt"
)

// ProfilePresence is a cached copy of a peer's profiles/<profileId>.json
// contents, joined against stale-entry source writers to render
// human-readable "stale sync" diagnostics.
type ProfilePresence struct {
	SDID        string
	ProfileID   string
	InstanceID  string
	ProfileName string
	UserHandle  string
	Username    string
	Hostname    string
	Platform    string
	AppVersion  string
	LastUpdated int64
}

// SaveProfilePresence upserts the cached presence row for one peer writer.
func (s *Store) SaveProfilePresence(ctx context.Context, p ProfilePresence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_presence
			(sd_id, profile_id, instance_id, profile_name, user_handle, username, hostname, platform, app_version, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sd_id, profile_id, instance_id) DO UPDATE SET
			profile_name = excluded.profile_name,
			user_handle = excluded.user_handle,
			username = excluded.username,
			hostname = excluded.hostname,
			platform = excluded.platform,
			app_version = excluded.app_version,
			last_updated = excluded.last_updated`,
		p.SDID, p.ProfileID, p.InstanceID, p.ProfileName, p.UserHandle, p.Username, p.Hostname, p.Platform, p.AppVersion, p.LastUpdated)
	if err != nil {
		return fmt.Errorf("index: saving profile presence %s/%s_%s: %w", p.SDID, p.ProfileID, p.InstanceID, err)
	}

	return nil
}

// FindProfilePresence looks up a cached presence row by writer identity,
// returning (nil, nil) if no row has ever been recorded for it.
func (s *Store) FindProfilePresence(ctx context.Context, sdID, profileID, instanceID string) (*ProfilePresence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sd_id, profile_id, instance_id, profile_name, user_handle, username, hostname, platform, app_version, last_updated
		FROM profile_presence WHERE sd_id = ? AND profile_id = ? AND instance_id = ?`,
		sdID, profileID, instanceID)

	var p ProfilePresence
	if err := row.Scan(&p.SDID, &p.ProfileID, &p.InstanceID, &p.ProfileName, &p.UserHandle, &p.Username, &p.Hostname, &p.Platform, &p.AppVersion, &p.LastUpdated); err != nil {
		return nil, nil //nolint:nilerr // absent row is a valid "never seen this peer" state, not a failure
	}

	return &p, nil
}

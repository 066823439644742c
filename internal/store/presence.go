package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/meshdial/meshdial/internal/fault"
	"github.com/meshdial/meshdial/internal/proto"
)

// Presence is one device's registration: who owns it, which network it
// serves, how to reach it, and how recently it announced.
type Presence struct {
	DeviceID       string   `json:"device_id"`
	Owner          string   `json:"owner"`
	NetworkID      string   `json:"network_id"`
	RendezvousAddr string   `json:"rendezvous_addr"`
	Capabilities   []string `json:"capabilities"`
	IsCoordinator  bool     `json:"is_coordinator"`
	IsOnline       bool     `json:"is_online"`
	LastSeen       int64    `json:"last_seen"`
	CreatedAt      int64    `json:"created_at"`
	ExpiresAt      int64    `json:"expires_at"`
}

const presenceCols = `device_id, owner, network_id, rendezvous_addr,
	capabilities, is_coordinator, is_online, last_seen, created_at, expires_at`

func scanPresence(row interface{ Scan(...any) error }) (Presence, error) {
	var p Presence
	var caps string
	var coord, online int
	err := row.Scan(&p.DeviceID, &p.Owner, &p.NetworkID, &p.RendezvousAddr,
		&caps, &coord, &online, &p.LastSeen, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return p, err
	}
	p.Capabilities = proto.DecodeCapabilities(caps)
	p.IsCoordinator = coord != 0
	p.IsOnline = online != 0
	return p, nil
}

// UpsertPresence records an announcement. First call creates the record;
// every call refreshes lastSeen, marks the device online and pushes out the
// expiry. The coordinator flag is sticky: once set (by the elector or by the
// device advertising the coordinator capability) it survives re-announces.
func (s *Store) UpsertPresence(deviceID, owner, networkID, addr string, caps []string) (Presence, error) {
	now := time.Now().UnixMilli()
	expires := now + s.opts.OnlineWindow.Milliseconds()
	norm := proto.NormalizeCapabilities(caps)

	s.mu.Lock()
	// The coordinator tag is the elector's auto-promotion marker; a
	// re-announce carrying only the client's own list must not erase it.
	// Same stickiness as the flag below, and only SetCoordinator clears it.
	var existing string
	err := s.db.QueryRow(`SELECT capabilities FROM presence WHERE device_id = ?`,
		deviceID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.mu.Unlock()
		return Presence{}, storeErr("upsert presence", err)
	}
	if proto.HasCapability(proto.DecodeCapabilities(existing), proto.CapCoordinator) {
		norm = proto.AddCapability(norm, proto.CapCoordinator)
	}
	capsEnc := proto.EncodeCapabilities(norm)
	wantsCoord := proto.HasCapability(norm, proto.CapCoordinator)

	_, err = s.db.Exec(`INSERT INTO presence
		(device_id, owner, network_id, rendezvous_addr, capabilities,
		 is_coordinator, is_online, last_seen, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			owner           = excluded.owner,
			network_id      = excluded.network_id,
			rendezvous_addr = excluded.rendezvous_addr,
			capabilities    = excluded.capabilities,
			is_coordinator  = presence.is_coordinator OR excluded.is_coordinator,
			is_online       = 1,
			last_seen       = excluded.last_seen,
			expires_at      = excluded.expires_at`,
		deviceID, owner, networkID, addr, capsEnc,
		boolInt(wantsCoord), now, now, expires)
	s.mu.Unlock()
	if err != nil {
		return Presence{}, storeErr("upsert presence", err)
	}

	return s.GetPresence(deviceID)
}

// GetPresence returns the record for a device, or fault.ErrNotFound.
func (s *Store) GetPresence(deviceID string) (Presence, error) {
	row := s.db.QueryRow(`SELECT `+presenceCols+` FROM presence WHERE device_id = ?`, deviceID)
	p, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Presence{}, fault.NotFoundf("device %s", deviceID)
	}
	if err != nil {
		return Presence{}, storeErr("get presence", err)
	}
	return p, nil
}

// ListOnlinePeers returns devices in networkID that are online and were seen
// within the online window, most recently seen first, capped at limit.
// limit <= 0 means no cap (the elector needs the full set; the HTTP surface
// always passes its configured cap).
func (s *Store) ListOnlinePeers(networkID string, limit int) ([]Presence, error) {
	if limit <= 0 {
		limit = -1
	}
	cutoff := time.Now().Add(-s.opts.OnlineWindow).UnixMilli()

	rows, err := s.db.Query(`SELECT `+presenceCols+` FROM presence
		WHERE network_id = ? AND is_online = 1 AND last_seen >= ?
		ORDER BY last_seen DESC LIMIT ?`, networkID, cutoff, limit)
	if err != nil {
		return nil, storeErr("list online peers", err)
	}
	defer rows.Close()

	var out []Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, storeErr("list online peers", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list online peers", err)
	}
	return out, nil
}

// FindPeer returns the most recently seen online device owned by owner in
// networkID. When the owner has nothing online it returns up to 5
// coordinators from the same network seen within the coordinator window, as
// routing hints.
func (s *Store) FindPeer(networkID, owner string) (*Presence, []Presence, error) {
	cutoff := time.Now().Add(-s.opts.OnlineWindow).UnixMilli()

	row := s.db.QueryRow(`SELECT `+presenceCols+` FROM presence
		WHERE network_id = ? AND owner = ? AND is_online = 1 AND last_seen >= ?
		ORDER BY last_seen DESC LIMIT 1`, networkID, owner, cutoff)
	p, err := scanPresence(row)
	if err == nil {
		return &p, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, storeErr("find peer", err)
	}

	coordCutoff := time.Now().Add(-s.opts.CoordinatorWindow).UnixMilli()
	rows, err := s.db.Query(`SELECT `+presenceCols+` FROM presence
		WHERE network_id = ? AND is_coordinator = 1 AND last_seen >= ?
		ORDER BY last_seen DESC LIMIT 5`, networkID, coordCutoff)
	if err != nil {
		return nil, nil, storeErr("find peer coordinators", err)
	}
	defer rows.Close()

	var hints []Presence
	for rows.Next() {
		c, err := scanPresence(rows)
		if err != nil {
			return nil, nil, storeErr("find peer coordinators", err)
		}
		hints = append(hints, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storeErr("find peer coordinators", err)
	}
	return nil, hints, nil
}

// SweepStalePresence marks records past the online window offline, then
// purges offline records past the retention threshold. Returns
// (markedOffline, purged) for logging.
func (s *Store) SweepStalePresence() (int64, int64, error) {
	now := time.Now()
	staleCutoff := now.Add(-s.opts.OnlineWindow).UnixMilli()
	purgeCutoff := now.Add(-s.opts.Retention).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE presence SET is_online = 0
		WHERE is_online = 1 AND last_seen < ?`, staleCutoff)
	if err != nil {
		return 0, 0, storeErr("sweep presence", err)
	}
	marked, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM presence
		WHERE is_online = 0 AND last_seen < ?`, purgeCutoff)
	if err != nil {
		return marked, 0, storeErr("purge presence", err)
	}
	purged, _ := res.RowsAffected()

	return marked, purged, nil
}

// NetworksWithOnlineDevices lists distinct networks that currently have at
// least one online device. The elector iterates over this set.
func (s *Store) NetworksWithOnlineDevices() ([]string, error) {
	cutoff := time.Now().Add(-s.opts.OnlineWindow).UnixMilli()
	rows, err := s.db.Query(`SELECT DISTINCT network_id FROM presence
		WHERE is_online = 1 AND last_seen >= ?`, cutoff)
	if err != nil {
		return nil, storeErr("list networks", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, storeErr("list networks", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list networks", err)
	}
	return out, nil
}

// SetCoordinator flips the coordinator flag and capability tag on one
// device. Only the elector calls this; announces never clear the flag.
func (s *Store) SetCoordinator(deviceID string, coordinator bool, caps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE presence
		SET is_coordinator = ?, capabilities = ?
		WHERE device_id = ?`,
		boolInt(coordinator), proto.EncodeCapabilities(caps), deviceID)
	if err != nil {
		return storeErr("set coordinator", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/meshdial/meshdial/internal/proto"
)

// AppendMessage queues msg in the mailbox shared by devices a and b,
// creating the channel on first use and refreshing its expiry. When the
// queue grows past the cap it is trimmed to the newest trim-to entries;
// the gap between the two bounds keeps every insert from re-trimming.
func (s *Store) AppendMessage(a, b string, msg proto.SignalMsg) error {
	key := proto.ChannelKey(a, b)
	da, db := a, b
	if da > db {
		da, db = db, da
	}
	now := time.Now().UnixMilli()
	expires := now + s.opts.ChannelTTL.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("append message", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO channels (channel_id, device_a, device_b, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET expires_at = excluded.expires_at`,
		key, da, db, now, expires)
	if err != nil {
		return storeErr("upsert channel", err)
	}

	_, err = tx.Exec(`INSERT INTO channel_messages (channel_id, msg_id, type, sender, target, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, msg.ID, msg.Type, msg.From, msg.To, []byte(msg.Payload), msg.TS)
	if err != nil {
		return storeErr("insert message", err)
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM channel_messages WHERE channel_id = ?`, key).Scan(&count); err != nil {
		return storeErr("count messages", err)
	}
	if count > s.opts.ChannelCap {
		_, err = tx.Exec(`DELETE FROM channel_messages
			WHERE channel_id = ? AND id NOT IN (
				SELECT id FROM channel_messages
				WHERE channel_id = ? ORDER BY id DESC LIMIT ?)`,
			key, key, s.opts.ChannelTrimTo)
		if err != nil {
			return storeErr("trim channel", err)
		}
		log.Debugf("channel %s trimmed from %d to %d messages", key, count, s.opts.ChannelTrimTo)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("append message", err)
	}
	return nil
}

// DrainMessagesFor returns every queued message addressed to deviceID, in
// insertion order, and removes exactly those entries so a second drain
// returns nothing. Channels left empty are deleted by the next channel
// sweep, not here.
func (s *Store) DrainMessagesFor(deviceID string) ([]proto.SignalMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErr("drain messages", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT m.id, m.msg_id, m.type, m.sender, m.target, m.payload, m.ts
		FROM channel_messages m
		JOIN channels c ON c.channel_id = m.channel_id
		WHERE m.target = ? AND (c.device_a = ? OR c.device_b = ?)
		ORDER BY m.id`, deviceID, deviceID, deviceID)
	if err != nil {
		return nil, storeErr("drain messages", err)
	}

	var msgs []proto.SignalMsg
	var ids []int64
	for rows.Next() {
		var id int64
		var m proto.SignalMsg
		var payload []byte
		if err := rows.Scan(&id, &m.ID, &m.Type, &m.From, &m.To, &payload, &m.TS); err != nil {
			rows.Close()
			return nil, storeErr("drain messages", err)
		}
		m.Payload = payload
		msgs = append(msgs, m)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("drain messages", err)
	}

	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := tx.Exec(
			fmt.Sprintf(`DELETE FROM channel_messages WHERE id IN (%s)`, placeholders),
			args...); err != nil {
			return nil, storeErr("delete drained", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("drain messages", err)
	}
	return msgs, nil
}

// PendingCount returns the number of queued messages addressed to deviceID.
func (s *Store) PendingCount(deviceID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM channel_messages WHERE target = ?`, deviceID).Scan(&n)
	if err != nil {
		return 0, storeErr("pending count", err)
	}
	return n, nil
}

// SweepExpiredChannels deletes channels past their expiry and channels the
// drains have emptied. Message rows are removed explicitly; the pooled
// connections don't all carry the foreign_keys pragma, so the cascade can't
// be relied on. Returns the number of channels removed.
func (s *Store) SweepExpiredChannels() (int64, error) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM channel_messages WHERE channel_id IN (
		SELECT channel_id FROM channels WHERE expires_at < ?)`, now); err != nil {
		return 0, storeErr("sweep channel messages", err)
	}

	res, err := s.db.Exec(`DELETE FROM channels WHERE expires_at < ?`, now)
	if err != nil {
		return 0, storeErr("sweep channels", err)
	}
	expired, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM channels WHERE channel_id NOT IN (
		SELECT DISTINCT channel_id FROM channel_messages)`)
	if err != nil {
		return expired, storeErr("sweep empty channels", err)
	}
	empty, _ := res.RowsAffected()

	return expired + empty, nil
}

// ChannelCount returns the number of live channels; surfaced on the status
// endpoint.
func (s *Store) ChannelCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM channels`).Scan(&n); err != nil {
		return 0, storeErr("channel count", err)
	}
	return n, nil
}

package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// UploadBundle is a set of incremental stat updates pushed by a game server
type UploadBundle struct {
	ServerName string      `json:"server_name"`
	Namespace  string      `json:"namespace"`
	Stats      StatsBundle `json:"stats"`
}

// StatsBundle groups incoming stats by subject
type StatsBundle struct {
	Players map[uuid.UUID]StatUpdates `json:"players"`
	Global  StatUpdates               `json:"global"`
}

// Validate rejects the whole bundle if any name or the namespace is unusable
func (b *UploadBundle) Validate() error {
	if b.Namespace == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidNamespace)
	}
	for _, id := range b.PlayerIDs() {
		for name := range b.Stats.Players[id] {
			if err := ValidateStatName(name); err != nil {
				return fmt.Errorf("player %s: %w", id, err)
			}
		}
	}
	for name := range b.Stats.Global {
		if err := ValidateStatName(name); err != nil {
			return fmt.Errorf("global: %w", err)
		}
	}
	return nil
}

// PlayerIDs returns the players in the bundle in a stable order
func (b *UploadBundle) PlayerIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(b.Stats.Players))
	for id := range b.Stats.Players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// StatCount returns the number of stat updates in the bundle
func (b *UploadBundle) StatCount() int {
	n := len(b.Stats.Global)
	for _, stats := range b.Stats.Players {
		n += len(stats)
	}
	return n
}

// HasGlobal reports whether the bundle carries a namespace-wide section,
// even an empty one
func (b *UploadBundle) HasGlobal() bool {
	return b.Stats.Global != nil
}

// Subject identifies a stats document: a player within a namespace, or the
// namespace alone for global aggregates.
type Subject struct {
	Namespace string
	Player    uuid.UUID
	Global    bool
}

// PlayerSubject returns the subject of a player's stats in a namespace
func PlayerSubject(player uuid.UUID, namespace string) Subject {
	return Subject{Namespace: namespace, Player: player}
}

// GlobalSubject returns the subject of a namespace's global stats
func GlobalSubject(namespace string) Subject {
	return Subject{Namespace: namespace, Global: true}
}

func (s Subject) String() string {
	if s.Global {
		return "global/" + s.Namespace
	}
	return s.Player.String() + "/" + s.Namespace
}

// StatsDocument is the decoded content of a player or global stats document
type StatsDocument struct {
	Subject Subject
	Stats   map[string]StoredStat
}

// Values decodes every stat to its display value
func (d *StatsDocument) Values() map[string]float64 {
	values := make(map[string]float64, len(d.Stats))
	for name, stat := range d.Stats {
		values[name] = stat.Value()
	}
	return values
}

// CheckKinds verifies that every update accumulates into a stat of the
// same stored kind as the one already present in the document.
func (d *StatsDocument) CheckKinds(updates StatUpdates) error {
	for _, name := range updates.Names() {
		stored, ok := d.Stats[name]
		if !ok {
			continue
		}
		if want := updates[name].TargetKind(); stored.Kind() != want {
			return fmt.Errorf("%w: %s stat %q is %s, update is %s",
				ErrStatKindMismatch, d.Subject, name, stored.Kind(), updates[name].Tag())
		}
	}
	return nil
}

// UploadSummary describes what an accepted upload touched
type UploadSummary struct {
	ServerName string      `json:"server_name"`
	Namespace  string      `json:"namespace"`
	Players    []uuid.UUID `json:"players"`
	StatCount  int         `json:"stat_count"`
	Global     bool        `json:"global"`
}

// QuarantineEvent describes a stats document moved out of the way
type QuarantineEvent struct {
	Namespace    string    `json:"namespace"`
	Player       string    `json:"player,omitempty"`
	Global       bool      `json:"global"`
	Error        string    `json:"error"`
	QuarantineID string    `json:"quarantine_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// UploadRecord is one row of the upload audit log
type UploadRecord struct {
	ID          int64     `json:"id"`
	ServerName  string    `json:"server_name"`
	Namespace   string    `json:"namespace"`
	PlayerCount int       `json:"player_count"`
	StatCount   int       `json:"stat_count"`
	HasGlobal   bool      `json:"has_global"`
	Payload     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

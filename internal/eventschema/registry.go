package eventschema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/pulseproof/pulseproof/internal/models"
)

// Migration transforms a payload from one schema version to the next.
// Migrations must be total on valid inputs of their source version.
type Migration func(models.Data) (models.Data, error)

type registration struct {
	schema        Schema
	version       *semver.Version
	deprecated    bool
	migrationPath []string
}

type RegisterOption func(*registration)

// WithDeprecated excludes the version from LatestVersion and from migration
// targets.
func WithDeprecated() RegisterOption {
	return func(r *registration) {
		r.deprecated = true
	}
}

// WithMigrationPath pins the ordered version hops used to migrate events
// declared at this version forward. Without it the registry walks registered
// migrations in ascending semver order.
func WithMigrationPath(versions ...string) RegisterOption {
	return func(r *registration) {
		r.migrationPath = versions
	}
}

// Result is the outcome of validating (and possibly migrating) an event.
type Result struct {
	Valid    bool
	Migrated bool
	Errors   []string
	Event    *models.Event
}

// Registry holds typed schemas per event kind+version and the migration
// graph between versions. Safe for concurrent use after registration.
type Registry struct {
	mu         sync.RWMutex
	schemas    map[string]map[string]*registration // type -> version -> registration
	migrations map[string]map[string]Migration     // type -> "from>to" -> transform
}

func NewRegistry() *Registry {
	return &Registry{
		schemas:    make(map[string]map[string]*registration),
		migrations: make(map[string]map[string]Migration),
	}
}

func (r *Registry) Register(eventType, version string, schema Schema, opts ...RegisterOption) error {
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q for %s: %w", version, eventType, err)
	}

	reg := &registration{schema: schema, version: parsed}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas[eventType] == nil {
		r.schemas[eventType] = make(map[string]*registration)
	}
	r.schemas[eventType][version] = reg
	return nil
}

func (r *Registry) RegisterMigration(eventType, fromVersion, toVersion string, transform Migration) error {
	if _, err := semver.NewVersion(fromVersion); err != nil {
		return fmt.Errorf("invalid from version %q: %w", fromVersion, err)
	}
	if _, err := semver.NewVersion(toVersion); err != nil {
		return fmt.Errorf("invalid to version %q: %w", toVersion, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrations[eventType] == nil {
		r.migrations[eventType] = make(map[string]Migration)
	}
	r.migrations[eventType][migrationKey(fromVersion, toVersion)] = transform
	return nil
}

// LatestVersion returns the highest non-deprecated registered version.
func (r *Registry) LatestVersion(eventType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestVersionLocked(eventType)
}

func (r *Registry) latestVersionLocked(eventType string) (string, bool) {
	var latest *semver.Version
	for _, reg := range r.schemas[eventType] {
		if reg.deprecated {
			continue
		}
		if latest == nil || reg.version.GreaterThan(latest) {
			latest = reg.version
		}
	}
	if latest == nil {
		return "", false
	}
	return latest.Original(), true
}

// Validate checks the event against its declared type+version schema. If the
// declared version is unknown, or validation fails and the declared version
// is behind the latest, the registry migrates the payload forward along the
// migration path and re-validates. The returned Result carries the event
// that passed validation (migrated or original).
func (r *Registry) Validate(event *models.Event) Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.schemas[event.Type]
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("unknown event type %q", event.Type)}}
	}

	latest, hasLatest := r.latestVersionLocked(event.Type)

	if reg, ok := versions[event.Version]; ok {
		errs := reg.schema.validate(event.Data)
		if len(errs) == 0 && (event.Version == latest || !hasLatest) {
			return Result{Valid: true, Event: event}
		}
		// Older or failing version: migrate forward when a path exists, so
		// consumers always see the latest shape.
		if migrated := r.migrateLocked(event, latest); migrated != nil {
			return *migrated
		}
		if len(errs) == 0 && !reg.deprecated {
			// Valid at its declared version and no path forward; accept as is.
			return Result{Valid: true, Event: event}
		}
		return Result{Errors: errs}
	}

	// Unknown version; the migration path is the only way forward.
	if hasLatest {
		if migrated := r.migrateLocked(event, latest); migrated != nil {
			return *migrated
		}
	}
	return Result{Errors: []string{fmt.Sprintf("unknown version %q for event type %q and no migration path", event.Version, event.Type)}}
}

// migrateLocked walks the migration path from the event's declared version to
// target, applying each transform. Returns nil when no complete path exists.
func (r *Registry) migrateLocked(event *models.Event, target string) *Result {
	if event.Version == target {
		return nil
	}
	path := r.migrationPathLocked(event.Type, event.Version, target)
	if path == nil {
		return nil
	}

	data := event.Data
	current := event.Version
	for _, next := range path {
		transform := r.migrations[event.Type][migrationKey(current, next)]
		migrated, err := transform(data)
		if err != nil {
			return &Result{Errors: []string{fmt.Sprintf("migration %s -> %s failed: %v", current, next, err)}}
		}
		data = migrated
		current = next
	}

	migrated := *event
	migrated.Data = data
	migrated.Version = current
	migrated.SetMigrated()

	reg, ok := r.schemas[event.Type][current]
	if !ok {
		return &Result{Errors: []string{fmt.Sprintf("migration target %q has no schema", current)}}
	}
	if errs := reg.schema.validate(migrated.Data); len(errs) > 0 {
		return &Result{Errors: errs, Migrated: true}
	}
	return &Result{Valid: true, Migrated: true, Event: &migrated}
}

// migrationPathLocked resolves the ordered hops from -> to. A registration's
// explicit migrationPath wins; otherwise registered hops are walked in
// ascending semver order, requiring each consecutive edge to exist.
func (r *Registry) migrationPathLocked(eventType, from, to string) []string {
	if reg, ok := r.schemas[eventType][from]; ok && len(reg.migrationPath) > 0 {
		prev := from
		for _, hop := range reg.migrationPath {
			if _, ok := r.migrations[eventType][migrationKey(prev, hop)]; !ok {
				// Path declared but edge missing; treat as no path.
				return nil
			}
			prev = hop
		}
		return reg.migrationPath
	}

	fromV, err := semver.NewVersion(from)
	if err != nil {
		return nil
	}
	toV, err := semver.NewVersion(to)
	if err != nil || !toV.GreaterThan(fromV) {
		return nil
	}

	// Collect registered versions in (from, to], ascending.
	var hops []*semver.Version
	for version := range r.schemas[eventType] {
		v, err := semver.NewVersion(version)
		if err != nil {
			continue
		}
		if v.GreaterThan(fromV) && !v.GreaterThan(toV) {
			hops = append(hops, v)
		}
	}
	sort.Slice(hops, func(i, j int) bool { return hops[i].LessThan(hops[j]) })

	path := make([]string, 0, len(hops))
	prev := from
	for _, hop := range hops {
		next := hop.Original()
		if _, ok := r.migrations[eventType][migrationKey(prev, next)]; !ok {
			return nil
		}
		path = append(path, next)
		prev = next
	}
	if len(path) == 0 {
		return nil
	}
	return path
}

func migrationKey(from, to string) string {
	return from + ">" + to
}

// Package memory derives a stable crew identity and attaches the matching
// memory backend around a crew run (spec.md §4.7). Grounded on
// original_source/.../engines/crewai/services/crew_memory_service.py
// (CrewMemoryService.generate_crew_id, setup_storage_directory,
// create_memory_backends), translated from the Python service's
// instance-state pattern to a pure-function + explicit-restore Go shape.
package memory

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/databrickslabs/kasal-execution-core/pkg/model"
)

// BackendType is the memory storage backend selector (spec.md §4.7).
type BackendType string

const (
	BackendDatabricks BackendType = "databricks"
	BackendDefault    BackendType = "default"
)

// BackendConfig is the caller-supplied memory backend configuration.
type BackendConfig struct {
	Type            BackendType
	CrewIDOverride  string // explicit crew_id, bypasses hashing
	DatabaseCrewID  string // "crew_db_<id>", second-priority override
	CustomEmbedder  bool
	DatabricksScope string // catalog.schema prefix, required for BackendDatabricks
}

// crewIdentifier is the stable, sort-normalized structure that gets hashed.
// Field order doesn't matter for the hash (json.Marshal on a map with
// sorted keys would, but Go struct marshaling is field-order-stable, so we
// marshal a map keyed identically to the original's sort_keys=True JSON to
// preserve the exact hash input shape).
type crewIdentifier struct {
	AgentRoles []string `json:"agent_roles"`
	TaskNames  []string `json:"task_names"`
	CrewName   string   `json:"crew_name"`
	Model      string   `json:"model"`
	RunName    string   `json:"run_name"`
	GroupID    string   `json:"group_id"`
}

// DeriveCrewID computes the deterministic crew ID used to key memory
// storage across runs (spec.md §4.7 "same agents+tasks+name+model+run_name
// in the same group always resolve to the same crew_id"). Priority order
// mirrors the original: explicit override, then database crew_id, then
// the content hash.
func DeriveCrewID(cfg model.CrewConfig, groupID string, override, databaseCrewID string) string {
	if override != "" {
		return override
	}
	if databaseCrewID != "" {
		return "crew_db_" + databaseCrewID
	}

	roles := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		roles = append(roles, a.Role)
	}
	sort.Strings(roles)

	taskNames := make([]string, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		name := t.Description
		if len(name) > 50 {
			name = name[:50]
		}
		taskNames = append(taskNames, name)
	}
	sort.Strings(taskNames)

	gid := groupID
	if gid == "" {
		gid = "default"
		slog.Warn("no group_id when deriving crew_id; memory may not be tenant-isolated")
	}
	model_ := cfg.Model
	if model_ == "" {
		model_ = "default"
	}
	name := cfg.Name
	if name == "" {
		name = "unnamed_crew"
	}

	id := crewIdentifier{
		AgentRoles: roles,
		TaskNames:  taskNames,
		CrewName:   name,
		Model:      model_,
		RunName:    cfg.RunName,
		GroupID:    gid,
	}

	canonical, _ := canonicalJSON(id)
	sum := md5.Sum(canonical)
	hash := hex.EncodeToString(sum[:])[:8]

	crewID := fmt.Sprintf("%s_crew_%s", gid, hash)
	slog.Info("derived crew_id", "crew_id", crewID, "agent_roles", roles, "task_names", taskNames)
	return crewID
}

// canonicalJSON re-marshals through a sorted map so the byte representation
// matches Python's json.dumps(..., sort_keys=True): struct field order
// alone isn't guaranteed to equal alphabetic key order.
func canonicalJSON(id crewIdentifier) ([]byte, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(asMap))
	for k := range asMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(asMap[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// StorageDir is the set-and-restore handle for CREWAI_STORAGE_DIR, scoping
// every crew run's memory files to its own directory name (spec.md §4.7).
type StorageDir struct {
	envKey   string
	original string
	hadValue bool
}

// SetupStorageDirectory points CREWAI_STORAGE_DIR at a crew-scoped
// directory name and returns a handle that restores the previous value.
// No-op (returns a handle whose Restore does nothing) for backend types
// that don't use a filesystem path.
func SetupStorageDirectory(crewID string, backend BackendType) *StorageDir {
	const envKey = "CREWAI_STORAGE_DIR"
	if backend != BackendDatabricks && backend != BackendDefault {
		return &StorageDir{envKey: envKey}
	}

	original, had := os.LookupEnv(envKey)
	var dirname string
	switch backend {
	case BackendDatabricks:
		dirname = "kasal_databricks_" + crewID
	default:
		dirname = "kasal_default_" + crewID
	}
	os.Setenv(envKey, dirname)
	slog.Info("storage directory configured", "backend", backend, "dir", dirname)
	return &StorageDir{envKey: envKey, original: original, hadValue: had}
}

// Restore puts CREWAI_STORAGE_DIR back exactly as found (spec.md §9:
// ambient process state must never leak between jobs sharing a worker
// process, even though in the spawn model each job gets its own process —
// this guards the rare case of an in-process test harness reusing one).
func (s *StorageDir) Restore() {
	if s == nil {
		return
	}
	if s.hadValue {
		os.Setenv(s.envKey, s.original)
	} else {
		os.Unsetenv(s.envKey)
	}
}

// Backends is the set of memory stores attached to a crew (spec.md §4.7).
// The concrete storages are provided by the embedded orchestration
// library; this package is responsible only for deriving identity, scoping
// storage paths, and picking which backend family to request.
type Backends struct {
	CrewID  string
	Backend BackendType
}

// Attach derives the crew ID, configures the storage directory, and
// resolves which backend family to request from the embedded
// orchestration library. Falls back to BackendDefault when Databricks
// configuration is incomplete rather than failing the run (spec.md §9
// open question: "degrade to default memory on missing OAuth/Vector
// Search configuration").
func Attach(cfg model.CrewConfig, groupID string, bc BackendConfig) (*Backends, *StorageDir, error) {
	crewID := DeriveCrewID(cfg, groupID, bc.CrewIDOverride, bc.DatabaseCrewID)

	backend := bc.Type
	if backend == BackendDatabricks && bc.DatabricksScope == "" {
		slog.Warn("databricks memory backend requested without a catalog.schema scope, degrading to default", "crew_id", crewID)
		backend = BackendDefault
	}
	if backend == "" {
		backend = BackendDefault
	}

	dir := SetupStorageDirectory(crewID, backend)
	return &Backends{CrewID: crewID, Backend: backend}, dir, nil
}

package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blueberrycongee/routecore/internal/metrics"
	"github.com/blueberrycongee/routecore/internal/secret"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// Manager owns the live RoutingTable, assembling it once at startup and
// re-assembling it atomically on every subsequent reload. Readers call Get
// and take no locks (§5: "RoutingTable ... immutable after assembly;
// readers take no locks"). Concurrent reload requests are serialized by
// reloadMu so assembly never races itself (§4.1).
type Manager struct {
	userPath   string
	systemPath string

	table     atomic.Pointer[types.RoutingTable]
	windows   atomic.Pointer[BlacklistWindows]
	assembler *Assembler
	secrets   *secret.Manager

	reloadMu    sync.Mutex
	watcher     *fsnotify.Watcher
	onChange    []func(*types.RoutingTable)
	logger      *slog.Logger
	checksum    atomic.Value
	loadedAt    atomic.Value
	reloadCount atomic.Uint64

	pipelineTablePath string
}

// NewManager loads and assembles the configuration at userPath (and
// systemPath, if non-empty; otherwise DefaultSystemConfig is used),
// returning a Manager whose Get() is immediately valid. secrets, if
// non-nil, resolves each provider's api_key entries through its registered
// schemes (env://, vault://) before assembly; a nil secrets manager leaves
// api_key values as literal strings.
func NewManager(userPath, systemPath string, logger *slog.Logger, secrets *secret.Manager) (*Manager, error) {
	m := &Manager{
		userPath:   userPath,
		systemPath: systemPath,
		assembler:  NewAssembler(),
		logger:     logger,
		secrets:    secrets,
	}
	if err := m.reloadLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current RoutingTable. Safe for concurrent use; never
// returns nil once NewManager has succeeded.
func (m *Manager) Get() *types.RoutingTable {
	return m.table.Load()
}

// Windows returns the currently active pipeline-blacklist windows (§4.3,
// §9).
func (m *Manager) Windows() BlacklistWindows {
	if w := m.windows.Load(); w != nil {
		return *w
	}
	return BlacklistWindows{Window429: default429WindowSeconds * time.Second, WindowError: defaultErrorWindowSeconds * time.Second}
}

// OnChange registers a callback invoked with the new table after a
// successful reload.
func (m *Manager) OnChange(fn func(*types.RoutingTable)) {
	m.onChange = append(m.onChange, fn)
}

// SetPipelineTablePath configures where the diagnostic pipeline-table
// artifact (§4.1, §6) is written on every successful assembly. The table
// already assembled by NewManager is written at once.
func (m *Manager) SetPipelineTablePath(path string) {
	m.pipelineTablePath = path
	if table := m.table.Load(); table != nil && path != "" {
		if err := writePipelineTableArtifact(path, table); err != nil && m.logger != nil {
			m.logger.Warn("failed to write pipeline table artifact", "error", err)
		}
	}
}

// ManagerStatus reports assembly metadata for diagnostics.
type ManagerStatus struct {
	UserPath    string    `json:"user_path"`
	Checksum    string    `json:"checksum"`
	LoadedAt    time.Time `json:"loaded_at"`
	ReloadCount uint64    `json:"reload_count"`
}

// Status returns metadata about the active routing table.
func (m *Manager) Status() ManagerStatus {
	s := ManagerStatus{UserPath: m.userPath, ReloadCount: m.reloadCount.Load()}
	if v, ok := m.checksum.Load().(string); ok {
		s.Checksum = v
	}
	if v, ok := m.loadedAt.Load().(time.Time); ok {
		s.LoadedAt = v
	}
	return s
}

// Watch starts watching the user config file for changes, debouncing rapid
// writes and reloading on settle, mirroring the teacher's fsnotify pattern.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher
	if err := watcher.Add(m.userPath); err != nil {
		_ = watcher.Close()
		return err
	}
	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						m.logger.Error("config reload rejected, keeping previous routing table", "error", err)
					}
				})
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Reload re-reads and re-assembles the configuration. On validation failure
// the previous table is retained and the error is returned (§4.1, §7:
// "on reload, the old table is retained and the reload is rejected").
// Concurrent Reload calls are serialized.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	err := m.reloadLocked()
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
	} else {
		metrics.ConfigReloadsTotal.WithLabelValues("applied").Inc()
	}
	return err
}

func (m *Manager) reloadLocked() error {
	user, err := LoadUserConfig(m.userPath)
	if err != nil {
		return fmt.Errorf("load user config: %w", err)
	}
	var system *SystemConfig
	if m.systemPath != "" {
		system, err = LoadSystemConfig(m.systemPath)
		if err != nil {
			return fmt.Errorf("load system config: %w", err)
		}
	} else {
		system = DefaultSystemConfig()
	}

	if m.secrets != nil {
		if err := m.resolveProviderSecrets(user); err != nil {
			return fmt.Errorf("resolve provider secrets: %w", err)
		}
	}

	table, windows, err := m.assembler.Assemble(user, system)
	if err != nil {
		return err
	}

	sum, err := checksumTable(table)
	if err != nil {
		return err
	}

	m.table.Store(table)
	m.windows.Store(&windows)
	m.checksum.Store(sum)
	m.loadedAt.Store(time.Now().UTC())
	m.reloadCount.Add(1)

	if m.pipelineTablePath != "" {
		if err := writePipelineTableArtifact(m.pipelineTablePath, table); err != nil && m.logger != nil {
			m.logger.Warn("failed to write pipeline table artifact", "error", err)
		}
	}

	for _, fn := range m.onChange {
		fn(table)
	}
	if m.logger != nil {
		m.logger.Info("routing table assembled", "pipelines", len(table.Pipelines), "checksum", sum)
	}
	return nil
}

// resolveProviderSecrets rewrites every provider's api_key entries in place,
// passing each through the secret manager (scheme://path -> live value;
// unscheme'd strings pass through unchanged). Resolution happens once per
// reload so the assembler and everything downstream only ever see plain
// strings.
func (m *Manager) resolveProviderSecrets(user *UserConfig) error {
	ctx := context.Background()
	for i := range user.Providers {
		p := &user.Providers[i]
		for j, raw := range p.APIKey {
			resolved, err := m.secrets.Get(ctx, raw)
			if err != nil {
				return fmt.Errorf("provider %q api_key[%d]: %w", p.Name, j, err)
			}
			p.APIKey[j] = resolved
		}
	}
	return nil
}

// Close stops the file watcher, if running.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func checksumTable(table *types.RoutingTable) (string, error) {
	data, err := json.Marshal(table.Pipelines)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// pipelineTableArtifact is the on-disk diagnostic document described in
// §4.1 and §6. It is informational only; the core never reads it back.
type pipelineTableArtifact struct {
	ConfigName                     string                          `json:"configName"`
	GeneratedAt                    time.Time                       `json:"generatedAt"`
	TotalPipelines                 int                             `json:"totalPipelines"`
	PipelinesGroupedByVirtualModel map[string][]string             `json:"pipelinesGroupedByVirtualModel"`
	AllPipelines                   map[string]types.PipelineConfig `json:"allPipelines"`
}

func writePipelineTableArtifact(path string, table *types.RoutingTable) error {
	artifact := pipelineTableArtifact{
		ConfigName:                     filepath.Base(path),
		GeneratedAt:                    table.GeneratedAt,
		TotalPipelines:                 len(table.Pipelines),
		PipelinesGroupedByVirtualModel: make(map[string][]string, len(table.Categories)),
		AllPipelines:                   table.Pipelines,
	}
	for cat, ids := range table.Categories {
		artifact.PipelinesGroupedByVirtualModel[string(cat)] = ids
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

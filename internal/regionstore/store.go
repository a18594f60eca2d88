// Package regionstore implements the persistent region store hosted by
// every storage worker: append-only byte regions addressed by opaque
// ids, grouped into named targets, written and read by one-sided
// transfers against client memory, and migratable between workers.
package regionstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/mitchellh/mapstructure"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v2"

	"github.com/mdorier/flamestore/internal/transport"
)

// TargetID names a partition of a region store; the unit of placement.
type TargetID string

// RegionID identifies one region within a target.
type RegionID string

const (
	manifestFile = "targets.yaml"
	regionExt    = ".region"

	rpcCreate  = "region.create"
	rpcWrite   = "region.write"
	rpcRead    = "region.read"
	rpcPersist = "region.persist"
	rpcMigrate = "region.migrate"
	rpcProbe   = "region.probe"
	rpcReceive = "region.receive"

	remoteCallTimeout = 30 * time.Second
)

// Options configure a store. They are decoded from the worker's
// backend config map, so every field tolerates string values.
type Options struct {
	// StoragePath is the root directory of the store. Created if
	// absent.
	StoragePath string `mapstructure:"storage-path"`
	// Targets is how many targets a fresh store advertises. Ignored
	// when a manifest already exists. Defaults to 1.
	Targets int `mapstructure:"targets"`
	// MinimumFreeGB refuses to open the store when the filesystem has
	// less free space than this. 0 disables the check.
	MinimumFreeGB int `mapstructure:"minimum-free-gb"`
}

// DecodeOptions builds Options from a loose string map.
func DecodeOptions(cfg map[string]string) (Options, error) {
	var opts Options
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(cfg); err != nil {
		return opts, fmt.Errorf("decoding region store options: %w", err)
	}
	if opts.StoragePath == "" {
		return opts, fmt.Errorf("region store requires a storage-path")
	}
	if opts.Targets <= 0 {
		opts.Targets = 1
	}
	return opts, nil
}

type region struct {
	file *os.File
	data mmap.MMap
	size uint64
}

// Store is the worker-side region store. It registers its provider
// RPCs on the engine at construction and serves them until Close.
type Store struct {
	engine *transport.Engine
	log    *logrus.Logger
	root   string

	mu      sync.RWMutex
	targets []TargetID
	regions map[RegionID]*region
	closed  bool
}

type manifest struct {
	Targets []TargetID `yaml:"targets"`
}

// NewStore opens (or initializes) a region store rooted at
// opts.StoragePath and attaches its provider to the engine.
func NewStore(engine *transport.Engine, opts Options, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(opts.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage path %s: %w", opts.StoragePath, err)
	}
	if err := checkFreeSpace(opts.StoragePath, opts.MinimumFreeGB, log); err != nil {
		return nil, err
	}

	s := &Store{
		engine:  engine,
		log:     log,
		root:    opts.StoragePath,
		regions: make(map[RegionID]*region),
	}
	if err := s.loadOrInitManifest(opts.Targets); err != nil {
		return nil, err
	}
	if err := s.openExistingRegions(); err != nil {
		return nil, err
	}
	s.defineRPCs()
	log.WithFields(logrus.Fields{
		"root":    s.root,
		"targets": len(s.targets),
	}).Info("region store ready")
	return s, nil
}

// Targets returns the advertised target ids, in manifest order.
func (s *Store) Targets() []TargetID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TargetID, len(s.targets))
	copy(out, s.targets)
	return out
}

// Close flushes and unmaps every open region. The store stops serving
// meaningful replies afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for id, reg := range s.regions {
		if err := closeRegion(reg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing region %s: %w", id, err)
		}
	}
	s.regions = make(map[RegionID]*region)
	return firstErr
}

func (s *Store) loadOrInitManifest(targetCount int) error {
	path := filepath.Join(s.root, manifestFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parsing manifest %s: %w", path, err)
		}
		if len(m.Targets) == 0 {
			return fmt.Errorf("manifest %s lists no targets", path)
		}
		s.targets = m.Targets
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("reading manifest %s: %w", path, err)
	}

	for i := 0; i < targetCount; i++ {
		s.targets = append(s.targets, TargetID("tgt-"+randomID()[:8]))
	}
	for _, tgt := range s.targets {
		if err := os.MkdirAll(filepath.Join(s.root, string(tgt)), 0o755); err != nil {
			return fmt.Errorf("creating target dir %s: %w", tgt, err)
		}
	}
	out, err := yaml.Marshal(manifest{Targets: s.targets})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing manifest %s: %w", path, err)
	}
	return nil
}

// openExistingRegions maps every region file found under the targets,
// so a restarted worker serves its persisted regions again.
func (s *Store) openExistingRegions() error {
	for _, tgt := range s.targets {
		dir := filepath.Join(s.root, string(tgt))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("creating target dir %s: %w", tgt, err)
				}
				continue
			}
			return fmt.Errorf("scanning target %s: %w", tgt, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if filepath.Ext(name) != regionExt {
				continue
			}
			id := RegionID(name[:len(name)-len(regionExt)])
			reg, err := openRegion(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("opening region %s: %w", id, err)
			}
			s.regions[id] = reg
		}
	}
	return nil
}

func (s *Store) createRegion(target TargetID, size uint64) (RegionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("region store is closed")
	}
	if !s.hasTarget(target) {
		return "", fmt.Errorf("no such target %s", target)
	}
	id := RegionID(randomID())
	path := filepath.Join(s.root, string(target), string(id)+regionExt)
	reg, err := createRegionFile(path, size)
	if err != nil {
		return "", err
	}
	s.regions[id] = reg
	s.log.WithFields(logrus.Fields{
		"target": target,
		"region": id,
		"size":   size,
	}).Debug("region created")
	return id, nil
}

func (s *Store) lookupRegion(id RegionID) (*region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regions[id]
	if !ok {
		return nil, fmt.Errorf("no such region %s", id)
	}
	return reg, nil
}

func (s *Store) hasTarget(target TargetID) bool {
	for _, t := range s.targets {
		if t == target {
			return true
		}
	}
	return false
}

func openRegion(path string) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := uint64(fi.Size())
	if size == 0 {
		return &region{file: f, size: 0}, nil
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &region{file: f, data: data, size: size}, nil
}

func createRegionFile(path string, size uint64) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating region file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sizing region file: %w", err)
	}
	if size == 0 {
		return &region{file: f, size: 0}, nil
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &region{file: f, data: data, size: size}, nil
}

func closeRegion(reg *region) error {
	var err error
	if reg.data != nil {
		if e := reg.data.Flush(); e != nil {
			err = e
		}
		if e := reg.data.Unmap(); e != nil && err == nil {
			err = e
		}
		reg.data = nil
	}
	if reg.file != nil {
		if e := reg.file.Close(); e != nil && err == nil {
			err = e
		}
		reg.file = nil
	}
	return err
}

func checkFreeSpace(path string, minimumFreeGB int, log *logrus.Logger) error {
	if minimumFreeGB <= 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("checking free space under %s: %w", path, err)
	}
	freeGB := float64(usage.Free) / 1e9
	log.WithFields(logrus.Fields{
		"path":      path,
		"free (GB)": fmt.Sprintf("%.2f", freeGB),
	}).Info("storage free space")
	if usage.Free < uint64(minimumFreeGB)*1e9 {
		return fmt.Errorf("only %.2f GB free under %s, %d GB required", freeGB, path, minimumFreeGB)
	}
	return nil
}

// compressRegion xz-compresses a region's bytes for migration.
func compressRegion(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressRegion(data []byte, size uint64) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("short migrate stream: %w", err)
	}
	return out, nil
}

func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), remoteCallTimeout)
}

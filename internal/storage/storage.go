package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/hailam/kaya/katanet/desc"
)

// Storage keys
const (
	keyPreferences = "preferences"
	prefixMeta     = "meta/"
	prefixModel    = "model/"
)

var (
	// ErrModelNotFound is returned when no model is stored under a name.
	ErrModelNotFound = errors.New("model not found")

	// ErrChecksum is returned when a stored description does not match
	// the checksum recorded with it.
	ErrChecksum = errors.New("stored model checksum mismatch")
)

// Preferences stores user settings
type Preferences struct {
	DefaultModel string    `json:"default_model"`
	RenderSize   int       `json:"render_size"`
	LastUsed     time.Time `json:"last_used"`
}

// DefaultPreferences returns default user preferences
func DefaultPreferences() *Preferences {
	return &Preferences{
		RenderSize: 570,
		LastUsed:   time.Now(),
	}
}

// Entry describes a stored model without decoding its weights.
type Entry struct {
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Blocks     int       `json:"blocks"`
	Depth      int       `json:"depth"`
	Params     int       `json:"params"`
	RawSize    int64     `json:"raw_size"`
	StoredSize int64     `json:"stored_size"`
	Checksum   uint64    `json:"checksum"`
	Saved      time.Time `json:"saved"`
}

// Options configures Open.
type Options struct {
	// Dir is the database directory. Empty means GetDatabaseDir.
	Dir string
	// Logger receives badger's internal messages. Nil silences them.
	Logger badger.Logger
	// CacheBytes bounds the decoded-description cache. Zero means 256 MiB.
	CacheBytes int64
}

// Storage wraps BadgerDB for persistent storage
type Storage struct {
	db    *badger.DB
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	cache *ristretto.Cache[string, *desc.Model]
}

// NewStorage opens the database in the default location.
func NewStorage() (*Storage, error) {
	return Open(Options{})
}

// Open opens or creates a database.
func Open(o Options) (*Storage, error) {
	dir := o.Dir
	if dir == "" {
		var err error
		if dir, err = GetDatabaseDir(); err != nil {
			return nil, err
		}
	}
	cacheBytes := o.CacheBytes
	if cacheBytes <= 0 {
		cacheBytes = 256 << 20
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = o.Logger

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *desc.Model]{
		NumCounters: 1e4,
		MaxCost:     cacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		enc.Close()
		dec.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		enc.Close()
		dec.Close()
		cache.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", dir, err)
	}

	return &Storage{db: db, enc: enc, dec: dec, cache: cache}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	s.cache.Close()
	s.dec.Close()
	err := s.enc.Close()
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			return cerr
		}
	}
	return err
}

// SaveModel stores m under its name, replacing any previous model of that
// name.
func (s *Storage) SaveModel(m *desc.Model) (Entry, error) {
	if m.Name == "" {
		return Entry{}, errors.New("model has no name")
	}
	var raw bytes.Buffer
	if err := desc.Encode(&raw, m); err != nil {
		return Entry{}, err
	}
	blob := s.enc.EncodeAll(raw.Bytes(), nil)

	e := Entry{
		Name:       m.Name,
		Version:    m.Version,
		Blocks:     m.NumBlocks(),
		Depth:      m.Depth(),
		Params:     m.ParamCount(),
		RawSize:    int64(raw.Len()),
		StoredSize: int64(len(blob)),
		Checksum:   xxhash.Sum64(raw.Bytes()),
		Saved:      time.Now(),
	}
	meta, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixModel+m.Name), blob); err != nil {
			return err
		}
		return txn.Set([]byte(prefixMeta+m.Name), meta)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to save model %q: %w", m.Name, err)
	}
	return e, nil
}

// LoadModel returns the stored description of name. The result may be
// shared with other callers and must not be modified.
func (s *Storage) LoadModel(name string) (*desc.Model, error) {
	var (
		e      Entry
		blob   []byte
		cached *desc.Model
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, prefixMeta+name, &e); err != nil {
			return err
		}
		if m, ok := s.cache.Get(cacheKey(e)); ok {
			cached = m
			return nil
		}
		item, err := txn.Get([]byte(prefixModel + name))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model %q: %w", name, err)
	}
	if cached != nil {
		return cached, nil
	}

	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress model %q: %w", name, err)
	}
	if sum := xxhash.Sum64(raw); sum != e.Checksum {
		return nil, fmt.Errorf("%w: %s (%016x, recorded %016x)", ErrChecksum, name, sum, e.Checksum)
	}
	m, err := desc.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", name, err)
	}
	s.cache.Set(cacheKey(e), m, int64(e.Params)*4)
	return m, nil
}

// cacheKey ties cached descriptions to the stored content so a replaced
// model is never served from the cache.
func cacheKey(e Entry) string {
	return fmt.Sprintf("%s@%016x", e.Name, e.Checksum)
}

// DeleteModel removes name. Deleting a missing model returns
// ErrModelNotFound.
func (s *Storage) DeleteModel(name string) error {
	var e Entry
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, prefixMeta+name, &e); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixModel + name)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixMeta + name))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err == nil {
		s.cache.Del(cacheKey(e))
	}
	return err
}

// ListModels returns the entries of all stored models sorted by name.
func (s *Storage) ListModels() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixMeta)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, err
}

// SavePreferences saves user preferences
func (s *Storage) SavePreferences(prefs *Preferences) error {
	prefs.LastUsed = time.Now()

	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPreferences), data)
	})
}

// LoadPreferences loads user preferences, returns defaults if not found
func (s *Storage) LoadPreferences() (*Preferences, error) {
	prefs := DefaultPreferences()

	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, keyPreferences, prefs)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Use defaults
		}
		return err
	})

	return prefs, err
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// StdLogger adapts a standard logger to badger's logging interface.
func StdLogger(l *log.Logger) badger.Logger {
	return stdLogger{l}
}

type stdLogger struct {
	l *log.Logger
}

func (s stdLogger) Errorf(f string, v ...any)   { s.l.Printf("badger ERROR: "+f, v...) }
func (s stdLogger) Warningf(f string, v ...any) { s.l.Printf("badger WARN: "+f, v...) }
func (s stdLogger) Infof(f string, v ...any)    { s.l.Printf("badger INFO: "+f, v...) }
func (s stdLogger) Debugf(f string, v ...any)   { s.l.Printf("badger DEBUG: "+f, v...) }

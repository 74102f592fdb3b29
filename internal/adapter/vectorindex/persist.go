package vectorindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"evcache/internal/domain"
)

var (
	bucketRows = []byte("rows")
	bucketMeta = []byte("meta")

	keyDimension = []byte("dimension")
	keyIndexType = []byte("index_type")
	keyMetadata  = []byte("metadata")
)

func indexPath(dir string, name domain.IndexName) string {
	return filepath.Join(dir, string(name)+".idx")
}

func metadataPath(dir string, name domain.IndexName) string {
	return filepath.Join(dir, string(name)+".meta.json")
}

// writeIndexFile stores idx and its metadata as one bbolt file. Rows are
// keyed by their big-endian row number; each value is the external id
// followed by the little-endian float32 components. The file is written
// next to path and renamed into place once complete, so vectors and
// metadata change together or not at all.
func writeIndexFile(path string, idx *FlatIndex, meta domain.IndexMetadata) error {
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	db, err := bbolt.Open(tmp, 0644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		dim := make([]byte, 4)
		binary.BigEndian.PutUint32(dim, uint32(idx.dim))
		if err := bucket.Put(keyDimension, dim); err != nil {
			return err
		}
		if err := bucket.Put(keyIndexType, []byte(IndexType)); err != nil {
			return err
		}
		if err := bucket.Put(keyMetadata, metaData); err != nil {
			return err
		}

		rows, err := tx.CreateBucketIfNotExists(bucketRows)
		if err != nil {
			return err
		}
		rows.FillPercent = 1.0 // keys are appended in order
		for i, id := range idx.ids {
			if err := rows.Put(rowKey(i), encodeRow(id, idx.vectors[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if closeErr := db.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write index file: %w", err)
	}

	return os.Rename(tmp, path)
}

// readIndexFile loads an index written by writeIndexFile together with
// its metadata. Any structural problem is reported as an error.
func readIndexFile(path string) (*FlatIndex, domain.IndexMetadata, error) {
	var (
		idx  *FlatIndex
		meta domain.IndexMetadata
	)
	err := viewIndexFile(path, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return fmt.Errorf("meta bucket missing")
		}
		var err error
		if meta, err = decodeMetadata(bucket); err != nil {
			return err
		}
		dimData := bucket.Get(keyDimension)
		if len(dimData) != 4 {
			return fmt.Errorf("dimension record malformed")
		}
		if t := string(bucket.Get(keyIndexType)); t != IndexType {
			return fmt.Errorf("unsupported index type %q", t)
		}
		dim := int(binary.BigEndian.Uint32(dimData))
		if dim <= 0 {
			return fmt.Errorf("invalid dimension %d", dim)
		}

		rows := tx.Bucket(bucketRows)
		if rows == nil {
			return fmt.Errorf("rows bucket missing")
		}

		idx = NewFlatIndex(dim)
		next := 0
		return rows.ForEach(func(k, v []byte) error {
			if len(k) != 8 || int(binary.BigEndian.Uint64(k)) != next {
				return fmt.Errorf("row %d out of sequence", next)
			}
			id, vec, err := decodeRow(v, dim)
			if err != nil {
				return fmt.Errorf("row %d: %w", next, err)
			}
			if idx.Contains(id) {
				return fmt.Errorf("row %d: duplicate id %d", next, id)
			}
			idx.pos[id] = next
			idx.ids = append(idx.ids, id)
			idx.vectors = append(idx.vectors, vec)
			next++
			return nil
		})
	})
	if err != nil {
		return nil, meta, err
	}
	return idx, meta, nil
}

// readIndexMetadata reads only the metadata record of an index file.
func readIndexMetadata(path string) (domain.IndexMetadata, error) {
	var meta domain.IndexMetadata
	err := viewIndexFile(path, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return fmt.Errorf("meta bucket missing")
		}
		var err error
		meta, err = decodeMetadata(bucket)
		return err
	})
	return meta, err
}

func viewIndexFile(path string, fn func(tx *bbolt.Tx) error) error {
	// bbolt creates missing files, even read-only ones
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := bbolt.Open(path, 0644, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer db.Close()
	return db.View(fn)
}

func decodeMetadata(bucket *bbolt.Bucket) (domain.IndexMetadata, error) {
	var meta domain.IndexMetadata
	data := bucket.Get(keyMetadata)
	if data == nil {
		return meta, fmt.Errorf("metadata record missing")
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}

func rowKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func encodeRow(id int64, vec []float32) []byte {
	buf := make([]byte, 8+4*len(vec))
	binary.BigEndian.PutUint64(buf, uint64(id))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeRow(data []byte, dim int) (int64, []float32, error) {
	if len(data) != 8+4*dim {
		return 0, nil, fmt.Errorf("expected %d bytes, got %d", 8+4*dim, len(data))
	}
	id := int64(binary.BigEndian.Uint64(data))
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[8+4*i:]))
	}
	return id, vec, nil
}

// stageMetadata writes the human readable sidecar next to path and returns
// the staged file, which the caller renames into place after the index
// file is committed.
func stageMetadata(path string, meta domain.IndexMetadata) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	return tmp, nil
}

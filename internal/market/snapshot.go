package market

import (
	"encoding/json"
	"time"
)

// Snapshot is an immutable merged view of all assets from one refresh.
// Iteration order is the order in which identities were first seen.
type Snapshot struct {
	generatedAt time.Time
	records     []AssetRecord
	index       map[string]int
}

// NewSnapshot merges records by ID, dropping records without one.
func NewSnapshot(generatedAt time.Time, records []AssetRecord) Snapshot {
	s := Snapshot{
		generatedAt: generatedAt,
		records:     make([]AssetRecord, 0, len(records)),
		index:       make(map[string]int, len(records)),
	}
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if i, ok := s.index[rec.ID]; ok {
			s.records[i] = Merge(s.records[i], rec)
			continue
		}
		rec.SourceTags = unionTags(rec.SourceTags, nil)
		s.index[rec.ID] = len(s.records)
		s.records = append(s.records, rec)
	}
	return s
}

// MergeAll concatenates provider batches in order and merges them.
func MergeAll(generatedAt time.Time, batches ...[]AssetRecord) Snapshot {
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	all := make([]AssetRecord, 0, total)
	for _, b := range batches {
		all = append(all, b...)
	}
	return NewSnapshot(generatedAt, all)
}

func (s Snapshot) GeneratedAt() time.Time { return s.generatedAt }

func (s Snapshot) Len() int { return len(s.records) }

func (s Snapshot) IsEmpty() bool { return len(s.records) == 0 }

// Records returns a copy of the records in iteration order.
func (s Snapshot) Records() []AssetRecord {
	out := make([]AssetRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s Snapshot) Get(id string) (AssetRecord, bool) {
	i, ok := s.index[id]
	if !ok {
		return AssetRecord{}, false
	}
	return s.records[i], true
}

type snapshotJSON struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Records     []AssetRecord `json:"records"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	records := s.records
	if records == nil {
		records = []AssetRecord{}
	}
	return json.Marshal(snapshotJSON{GeneratedAt: s.generatedAt, Records: records})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewSnapshot(raw.GeneratedAt, raw.Records)
	return nil
}

package source

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// IndexFilename is the default name of the release index within a
// source.
const IndexFilename = "release.json"

// indexSchema constrains the release index document. The index arrives
// already authenticated, but schema validation catches truncated or
// mis-published documents before they can drive a reconciliation.
const indexSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "release index",
  "type": "object",
  "required": ["version", "targets"],
  "properties": {
    "version": {
      "type": "integer",
      "minimum": 1
    },
    "targets": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["length", "hash"],
        "properties": {
          "length": {
            "type": "integer",
            "minimum": 0
          },
          "hash": {
            "type": "string",
            "pattern": "^[0-9a-f]{64}$"
          }
        }
      }
    }
  }
}`

type indexEntry struct {
	Length uint64 `json:"length"`
	Hash   string `json:"hash"`
}

type indexDocument struct {
	Version uint64                `json:"version"`
	Targets map[string]indexEntry `json:"targets"`
}

// releaseIndex is a parsed, validated release index.
type releaseIndex struct {
	version uint64
	targets []Target
	names   map[string]struct{}
}

// parseIndex validates data against the index schema and decodes it.
// Target names are checked for path safety and the result is sorted by
// name so passes process targets in a stable order.
func parseIndex(data []byte) (*releaseIndex, error) {
	sch, err := jsonschema.CompileString(IndexFilename, indexSchema)
	if err != nil {
		return nil, fmt.Errorf("compile release index schema: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal release index: %w", err)
	}
	if err := sch.Validate(raw); err != nil {
		return nil, fmt.Errorf("validate release index: %w", err)
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode release index: %w", err)
	}

	idx := &releaseIndex{
		version: doc.Version,
		targets: make([]Target, 0, len(doc.Targets)),
		names:   make(map[string]struct{}, len(doc.Targets)),
	}
	for name, entry := range doc.Targets {
		if err := ValidateName(name); err != nil {
			return nil, fmt.Errorf("release index: %w", err)
		}
		hash, err := hex.DecodeString(entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("release index: target %q: invalid hash: %w", name, err)
		}
		idx.targets = append(idx.targets, Target{
			Name:   name,
			Length: entry.Length,
			Hash:   hash,
		})
		idx.names[name] = struct{}{}
	}
	sort.Slice(idx.targets, func(i, j int) bool {
		return idx.targets[i].Name < idx.targets[j].Name
	})
	return idx, nil
}

func (idx *releaseIndex) contains(name string) bool {
	_, ok := idx.names[name]
	return ok
}

package scoring

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/subnetlabs/subnet-validator/internal/ids"
)

// ManifestEntry binds one subnet to a named built-in scorer, the unit a
// deployment's subnet-scorers.yaml file configures.
type ManifestEntry struct {
	Subnet uint64 `yaml:"subnet"`
	Type   string `yaml:"type"`
}

// Manifest is the on-disk, YAML-encoded subnet -> scorer-type binding
// consumed at startup, matching the teacher's root dependency on
// gopkg.in/yaml.v2 for small declarative config files.
type Manifest struct {
	Subnets []ManifestEntry `yaml:"subnets"`
}

// LoadManifest parses a subnet-scorers.yaml file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "scoring: reading manifest")
	}
	var m Manifest
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return Manifest{}, errors.Wrap(err, "scoring: decoding manifest")
	}
	return m, nil
}

// Builtins are the scorer types every validator binary ships with,
// keyed by the Type string a manifest entry names.
var Builtins = map[string]Capability{
	"exact-match":      exactMatchCapability(),
	"case-insensitive": caseInsensitiveMatchCapability(),
	"non-empty":        nonEmptyCapability(),
}

// BuildRegistry constructs a Registry from a manifest, resolving each
// entry's Type against Builtins. An unknown Type is an error rather than
// a silently-skipped subnet, since a validator that can't score a subnet
// it's bound to would otherwise fail every slot without explanation.
func BuildRegistry(m Manifest) (*Registry, error) {
	r := NewRegistry()
	for _, entry := range m.Subnets {
		cap, ok := Builtins[entry.Type]
		if !ok {
			return nil, errors.Errorf("scoring: unknown scorer type %q for subnet %d", entry.Type, entry.Subnet)
		}
		r.Register(ids.SubnetID(entry.Subnet), cap)
	}
	return r, nil
}

// exactMatchCapability prepares the payload itself as the expected
// answer and grades 1.0 only on a byte-exact reply; used for subnets
// whose miners perform deterministic, verifiable work.
func exactMatchCapability() Capability {
	return Capability{
		Prepare: func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (TaskPayload, error) {
			return TaskPayload{TaskID: miner.String(), Content: []byte(miner.String())}, nil
		},
		Grade: func(ctx context.Context, task TaskPayload, resp Response) (float64, error) {
			if len(resp.Content) == 0 {
				return 0, ErrInvalidResponse
			}
			if bytes.Equal(task.Content, resp.Content) {
				return 1, nil
			}
			return 0, nil
		},
	}
}

func caseInsensitiveMatchCapability() Capability {
	return Capability{
		Prepare: func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (TaskPayload, error) {
			return TaskPayload{TaskID: miner.String(), Content: []byte(miner.String())}, nil
		},
		Grade: func(ctx context.Context, task TaskPayload, resp Response) (float64, error) {
			if len(resp.Content) == 0 {
				return 0, ErrInvalidResponse
			}
			if strings.EqualFold(string(task.Content), string(resp.Content)) {
				return 1, nil
			}
			return 0, nil
		},
	}
}

// nonEmptyCapability is the lenient default: any non-empty reply scores
// 1.0. Useful for liveness-only subnets where response content isn't
// independently verifiable by the validator.
func nonEmptyCapability() Capability {
	return Capability{
		Prepare: func(ctx context.Context, subnet ids.SubnetID, miner ids.MinerID) (TaskPayload, error) {
			return TaskPayload{TaskID: miner.String(), Content: []byte("ping")}, nil
		},
		Grade: func(ctx context.Context, task TaskPayload, resp Response) (float64, error) {
			if len(resp.Content) == 0 {
				return 0, ErrInvalidResponse
			}
			return 1, nil
		},
	}
}

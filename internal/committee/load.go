package committee

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"DagPrimary/internal/types"
)

// fileAuthority is the JSON form of an Authority.
type fileAuthority struct {
	Name           string            `json:"name"`
	Stake          uint64            `json:"stake"`
	BLSKey         string            `json:"bls_key"`
	PrimaryAddress string            `json:"primary_address"`
	Workers        map[string]string `json:"workers"`
}

// fileCommittee is the JSON form of a Committee.
type fileCommittee struct {
	Epoch       uint64          `json:"epoch"`
	Authorities []fileAuthority `json:"authorities"`
}

// Load reads a committee from a JSON file.
func Load(path string) (*Committee, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read committee file:\n%w", err)
	}

	return Parse(data)
}

// Parse decodes a committee from its JSON form.
func Parse(data []byte) (*Committee, error) {
	var file fileCommittee
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode committee:\n%w", err)
	}

	authorities := make([]Authority, 0, len(file.Authorities))

	for i, fa := range file.Authorities {
		a, err := fa.toAuthority()
		if err != nil {
			return nil, fmt.Errorf("authority %d:\n%w", i, err)
		}

		authorities = append(authorities, a)
	}

	return New(file.Epoch, authorities)
}

// Marshal encodes the committee in the JSON form read by Parse.
func (c *Committee) Marshal() ([]byte, error) {
	file := fileCommittee{Epoch: c.epoch}

	for _, a := range c.authorities {
		workers := make(map[string]string, len(a.Workers))
		for id, addr := range a.Workers {
			workers[strconv.FormatUint(uint64(id), 10)] = addr
		}

		file.Authorities = append(file.Authorities, fileAuthority{
			Name:           a.Name.String(),
			Stake:          a.Stake,
			BLSKey:         hex.EncodeToString(a.BLSKey),
			PrimaryAddress: a.PrimaryAddress,
			Workers:        workers,
		})
	}

	return json.MarshalIndent(file, "", "  ")
}

// toAuthority converts the JSON form into an Authority.
func (fa fileAuthority) toAuthority() (Authority, error) {
	name, err := types.ParsePublicKey(fa.Name)
	if err != nil {
		return Authority{}, err
	}

	blsKey, err := hex.DecodeString(fa.BLSKey)
	if err != nil {
		return Authority{}, fmt.Errorf("decode bls key:\n%w", err)
	}

	workers := make(map[types.WorkerID]string, len(fa.Workers))
	for idStr, addr := range fa.Workers {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return Authority{}, fmt.Errorf("invalid worker id %q:\n%w", idStr, err)
		}
		workers[types.WorkerID(id)] = addr
	}

	return Authority{
		Name:           name,
		Stake:          fa.Stake,
		BLSKey:         blsKey,
		PrimaryAddress: fa.PrimaryAddress,
		Workers:        workers,
	}, nil
}

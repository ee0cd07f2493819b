package config

import (
	"encoding/json"
	"os"

	"github.com/hivecore/hive/kernel/utils"
)

type persistedIdentity struct {
	NodeID string `json:"node_id"`
}

// LoadOrCreateNodeID resolves this node's persistent id: preferred, an
// explicit override (from config or environment); otherwise whatever is
// already persisted at path; otherwise a freshly generated one, written to
// path so restarts keep the same identity.
func LoadOrCreateNodeID(path, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		var id persistedIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return "", utils.WrapError(err, "parse node identity file")
		}
		if id.NodeID != "" {
			return id.NodeID, nil
		}
	} else if !os.IsNotExist(err) {
		return "", utils.WrapError(err, "read node identity file")
	}

	nodeID := utils.GenerateID()
	data, err := json.Marshal(persistedIdentity{NodeID: nodeID})
	if err != nil {
		return "", utils.WrapError(err, "marshal node identity")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", utils.WrapError(err, "persist node identity")
	}
	return nodeID, nil
}

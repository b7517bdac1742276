package config

import (
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// ContractDeployment is the address and first block of a deployed contract.
type ContractDeployment struct {
	Address         common.Address
	DeploymentBlock uint64
}

// Deployment lists the bridge contracts on one chain.
type Deployment struct {
	ChainID        uint64
	RequestManager ContractDeployment
	FillManager    ContractDeployment
}

// DeploymentPath returns where the artifact for chainID is expected.
func DeploymentPath(dir string, chainID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.deployment.json", chainID))
}

// LoadDeployment reads <dir>/<chain_id>.deployment.json:
//
//	{"beamer": {"RequestManager": {"address": "0x..", "deployment_block": 1},
//	            "FillManager":    {"address": "0x..", "deployment_block": 1}}}
func LoadDeployment(dir string, chainID uint64) (*Deployment, error) {
	path := DeploymentPath(dir, chainID)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read deployment %s: %w", path, err)
	}

	requestManager, err := readContract(v, "beamer.requestmanager")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fillManager, err := readContract(v, "beamer.fillmanager")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Deployment{
		ChainID:        chainID,
		RequestManager: requestManager,
		FillManager:    fillManager,
	}, nil
}

func readContract(v *viper.Viper, key string) (ContractDeployment, error) {
	address := v.GetString(key + ".address")
	if !common.IsHexAddress(address) {
		return ContractDeployment{}, fmt.Errorf("%s: invalid address %q", key, address)
	}
	return ContractDeployment{
		Address:         common.HexToAddress(address),
		DeploymentBlock: v.GetUint64(key + ".deployment_block"),
	}, nil
}

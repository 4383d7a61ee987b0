package fabric

import (
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// ChaincodeProperties are the Fabric specific properties of a resource
type ChaincodeProperties struct {
	ChannelName   string   `mapstructure:"channelName"`
	ChaincodeName string   `mapstructure:"chaincodeName"`
	Endorsers     []string `mapstructure:"endorsers"`
}

// Properties renders p as ResourceInfo properties
func (p ChaincodeProperties) Properties() map[string]interface{} {
	return map[string]interface{}{
		"channelName":   p.ChannelName,
		"chaincodeName": p.ChaincodeName,
		"endorsers":     p.Endorsers,
	}
}

// DecodeProperties reads the chaincode properties of info. The chaincode
// name defaults to the resource name.
func DecodeProperties(info *types.ResourceInfo) (*ChaincodeProperties, error) {
	if info == nil {
		return nil, errors.New("resource info is nil")
	}

	props := &ChaincodeProperties{}
	if info.Properties != nil {
		if err := mapstructure.Decode(info.Properties, props); err != nil {
			return nil, errors.Wrapf(err, "decode properties of %s", info.Name)
		}
	}
	if props.ChaincodeName == "" {
		props.ChaincodeName = info.Name
	}
	return props, nil
}

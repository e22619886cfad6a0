package config

import (
	"reflect"
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// CustomHooks replaces viper's default decode hooks, so the defaults are repeated here.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PulsarSubscriptionTypeHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)),
}

var subscriptionTypes = map[string]pulsar.SubscriptionType{
	"exclusive":  pulsar.Exclusive,
	"shared":     pulsar.Shared,
	"failover":   pulsar.Failover,
	"keyshared":  pulsar.KeyShared,
	"key_shared": pulsar.KeyShared,
}

// ParsePulsarSubscriptionType maps a subscription type name (case-insensitive) onto the client's enum.
func ParsePulsarSubscriptionType(s string) (pulsar.SubscriptionType, error) {
	subscriptionType, ok := subscriptionTypes[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return pulsar.Shared, errors.Errorf("unknown pulsar subscription type %q", s)
	}
	return subscriptionType, nil
}

func PulsarSubscriptionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.Shared) {
			return data, nil
		}
		return ParsePulsarSubscriptionType(data.(string))
	}
}

package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RateTable is the published per-unit price list used to derive aggregate
// costs. Values are USD per unit; minutes are billed in whole-minute
// increments to match the telephony provider.
type RateTable struct {
	VoiceMinuteOutbound float64 `mapstructure:"voiceMinuteOutbound"`
	VoiceMinuteInbound  float64 `mapstructure:"voiceMinuteInbound"`
	SMSMessage          float64 `mapstructure:"smsMessage"`
	MMSMessage          float64 `mapstructure:"mmsMessage"`
	RecordingMinute     float64 `mapstructure:"recordingMinute"`
	OverageMinute       float64 `mapstructure:"overageMinute"`
}

func DefaultRateTable() RateTable {
	return RateTable{
		VoiceMinuteOutbound: 0.022,
		VoiceMinuteInbound:  0.012,
		SMSMessage:          0.0079,
		MMSMessage:          0.02,
		RecordingMinute:     0.0025,
		OverageMinute:       0.03,
	}
}

// RateTableHolder exposes the current rate table and hot-reloads it from a
// volume-mounted rates.yml when present.
type RateTableHolder struct {
	current atomic.Value // holds RateTable
}

func NewRateTableHolder() (*RateTableHolder, error) {
	v := viper.New()

	v.SetConfigName("rates")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/letscoldcall/config")
	v.AddConfigPath("/etc/letscoldcall")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LETSCOLDCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultRateTable()
		v.SetDefault("rates.voiceMinuteOutbound", defaults.VoiceMinuteOutbound)
		v.SetDefault("rates.voiceMinuteInbound", defaults.VoiceMinuteInbound)
		v.SetDefault("rates.smsMessage", defaults.SMSMessage)
		v.SetDefault("rates.mmsMessage", defaults.MMSMessage)
		v.SetDefault("rates.recordingMinute", defaults.RecordingMinute)
		v.SetDefault("rates.overageMinute", defaults.OverageMinute)
	}

	var table RateTable
	if err := v.UnmarshalKey("rates", &table); err != nil {
		return nil, err
	}
	if err := validateRateTable(table); err != nil {
		return nil, err
	}

	holder := &RateTableHolder{}
	holder.current.Store(table)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RateTable
		if err := v.UnmarshalKey("rates", &updated); err != nil {
			log.Printf("[rates-config] reload failed: %v", err)
			return
		}
		if err := validateRateTable(updated); err != nil {
			log.Printf("[rates-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[rates-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticRateTableHolder returns a holder pinned to the given table. Used
// by tests and the reconciliation job when replaying historical periods.
func NewStaticRateTableHolder(table RateTable) *RateTableHolder {
	holder := &RateTableHolder{}
	holder.current.Store(table)
	return holder
}

func (h *RateTableHolder) Get() RateTable {
	return h.current.Load().(RateTable)
}

func validateRateTable(table RateTable) error {
	if table.VoiceMinuteOutbound < 0 || table.VoiceMinuteInbound < 0 ||
		table.SMSMessage < 0 || table.MMSMessage < 0 ||
		table.RecordingMinute < 0 || table.OverageMinute < 0 {
		return errors.New("rates cannot be negative")
	}
	return nil
}

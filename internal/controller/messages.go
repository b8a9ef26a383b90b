package controller

import (
	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/gate"
)

const (
	msgUpdatePowerState = iota + 1
	msgScreenOnUnblocked
	msgScreenOffUnblocked
	msgConfigureBrightness
	msgSetTemporaryBrightness
	msgSetTemporaryAutoAdjustment
	msgStop
	msgUpdateBrightness
	msgBrightnessRampDone
	msgStatsHbmBrightness
	msgSwitchUser
	msgBootCompleted
	msgSwitchAutoBrightnessMode
	msgSetBrightnessFromOffload
	msgOffloadScreenOnUnblocked
	msgResetRefreshBoost
	msgSetBrightnessToFollow
	msgOverrideDozeScreenState
	msgSetOffloadSession
	msgSetDisplayState
)

var messageNames = map[int]string{
	msgUpdatePowerState:           "update_power_state",
	msgScreenOnUnblocked:          "screen_on_unblocked",
	msgScreenOffUnblocked:         "screen_off_unblocked",
	msgConfigureBrightness:        "configure_brightness",
	msgSetTemporaryBrightness:     "set_temporary_brightness",
	msgSetTemporaryAutoAdjustment: "set_temporary_auto_adjustment",
	msgStop:                       "stop",
	msgUpdateBrightness:           "update_brightness",
	msgBrightnessRampDone:         "brightness_ramp_done",
	msgStatsHbmBrightness:         "stats_hbm_brightness",
	msgSwitchUser:                 "switch_user",
	msgBootCompleted:              "boot_completed",
	msgSwitchAutoBrightnessMode:   "switch_auto_brightness_mode",
	msgSetBrightnessFromOffload:   "set_brightness_from_offload",
	msgOffloadScreenOnUnblocked:   "offload_screen_on_unblocked",
	msgResetRefreshBoost:          "reset_refresh_boost",
	msgSetBrightnessToFollow:      "set_brightness_to_follow",
	msgOverrideDozeScreenState:    "override_doze_screen_state",
	msgSetOffloadSession:          "set_offload_session",
	msgSetDisplayState:            "set_display_state",
}

type followRequest struct {
	brightness float64
	nits       float64
	lux        float64
	slow       bool
}

func (f followRequest) equal(o followRequest) bool {
	return display.FloatEqual(f.brightness, o.brightness) &&
		display.FloatEqual(f.nits, o.nits) &&
		display.FloatEqual(f.lux, o.lux) &&
		f.slow == o.slow
}

type dozeOverride struct {
	state  display.ScreenState
	reason display.StateReason
}

type displayState struct {
	enabled      bool
	inTransition bool
}

type offloadSession struct {
	session gate.Session
}

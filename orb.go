package main

import (
	"vonai/call"
	"vonai/config"
)

// orbScale maps call state and microphone amplitude to the orb's size.
func orbScale(p config.OrbConfig, s call.State, amp float64) float64 {
	switch s {
	case call.Speaking:
		return p.SpeakingBase + amp*p.SpeakingGain
	case call.Listening, call.Connected:
		return p.ActiveBase + amp*p.ActiveGain
	default:
		return p.IdleScale
	}
}

func orbLabel(s call.State) string {
	switch s {
	case call.Connecting:
		return "Connecting..."
	case call.Connected:
		return "Connected..."
	case call.Listening:
		return "Listening..."
	case call.Speaking:
		return "Speaking..."
	default:
		return "Talk to VONAI"
	}
}

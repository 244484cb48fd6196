package utils

import "github.com/denisbrodbeck/machineid"

// HWID identifies this machine without exposing the raw machine id
var HWID = hardwareID()

func hardwareID() string {
	id, err := machineid.ProtectedID("syftmirror")
	if err != nil || len(id) < 16 {
		return "unknown"
	}
	return id[:16]
}

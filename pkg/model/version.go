// Copyright © 2025 Tessera Systems

package model

// Version is the build-time model version of this server. Clients
// advertising a different version are told to reconnect after upgrade.
// Overridden at link time via -ldflags "-X .../pkg/model.Version=...".
var Version = "0.7.0"

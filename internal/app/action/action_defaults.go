package action

import (
	"fmt"
	"time"
)

var (
	// Relay
	defaultRelayAddr = ":5123"

	// Admin API
	defaultAdminAddr       = "127.0.0.1:5124"
	defaultPublicAdminAddr = fmt.Sprintf("http://%s", defaultAdminAddr)
	defaultWebsocketPath   = "/relay"
)

var (
	// Master server list
	defaultUplistURL  = "http://gs1.corrodinggames.com/masterserver/1.4/interface"
	defaultServerName = "RW-HPS relay"
)

const (
	shutdownTimeout = 10 * time.Second
	adminTokenTTL   = time.Minute
)

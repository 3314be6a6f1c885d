package util

import (
	"fmt"
	"math/rand"
)

// GenerateRequestID returns a short opaque identifier for correlating one
// proxied request across log lines and the usage store.
func GenerateRequestID() string {
	loads := []string{
		"crates", "satchels", "bundles", "parcels", "lanterns",
		"ropes", "tents", "kettles", "maps", "compasses",
		"barrels", "ledgers", "flasks", "anvils", "spools",
	}
	gaits := []string{
		"hauling", "lugging", "shouldering", "ferrying", "trekking",
		"climbing", "descending", "crossing", "balancing", "pacing",
		"fording", "switchbacking", "resting", "striding", "portaging",
	}

	load := loads[rand.Intn(len(loads))]
	gait := gaits[rand.Intn(len(gaits))]
	suffix := fmt.Sprintf("%04x", rand.Intn(65536))

	return fmt.Sprintf("%s_%s_%s", gait, load, suffix)
}

package internal

import "github.com/certkiln/certkiln/utils"

var (
	Env_InternalPort = utils.EnvOrDefault("INTERNAL_PORT", "8091")
)

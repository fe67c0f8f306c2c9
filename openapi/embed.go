// Package openapi carries the service's API description for embedded builds.
package openapi

import _ "embed"

//go:embed openapi.yaml
var Spec []byte

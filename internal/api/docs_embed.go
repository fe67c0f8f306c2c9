//go:build embed_openapi

package api

import "donorhub/openapi"

func openAPILoad() ([]byte, error) { return openapi.Spec, nil }

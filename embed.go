package chromebridge

import _ "embed"

// OpenAPIYAML is the OpenAPI description of the relay's HTTP surface,
// served at /spec.yaml and /spec.json.
//
//go:embed openapi.yaml
var OpenAPIYAML []byte

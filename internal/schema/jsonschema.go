package schema

import (
	"github.com/invopop/jsonschema"

	"scenecollab/server/internal/scene"
)

// JSONSchema reflects the canonical document type into a JSON schema for
// editor tooling.
func JSONSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	return reflector.Reflect(&scene.Document{})
}

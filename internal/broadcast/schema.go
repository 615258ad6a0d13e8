package broadcast

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	messageSchemaURL = "https://keeper.sh/schemas/broadcast-message.json"
	messageSchema    = `{
		"type": "object",
		"required": ["userId", "event"],
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"event": {"type": "string", "minLength": 1},
			"data": true
		}
	}`

	socketSchemaURL = "https://keeper.sh/schemas/socket-message.json"
	socketSchema    = `{
		"type": "object",
		"required": ["event"],
		"properties": {
			"event": {"type": "string", "minLength": 1},
			"data": true
		}
	}`
)

var (
	broadcastMessageSchema = mustCompile(messageSchemaURL, messageSchema)
	socketMessageSchema    = mustCompile(socketSchemaURL, socketSchema)
)

func mustCompile(url, schema string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic(fmt.Sprintf("broadcast: parse schema %s: %v", url, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("broadcast: add schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// validate parses payload as JSON and checks it against schema.
func validate(schema *jsonschema.Schema, payload []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(inst)
}

package policy

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed schema/policy.schema.json
var policySchemaJSON string

const policySchemaURL = "https://spaceai.local/schemas/policy.schema.json"

var (
	ErrNoActiveVersion  = errors.New("policy: active pointer names no version")
	ErrVersionMismatch  = errors.New("policy: document version does not match active pointer")
	ErrInvalidDocument  = errors.New("policy: document failed schema validation")
	ErrInvalidVersionID = errors.New("policy: invalid version identifier")
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(policySchemaURL, bytes.NewReader([]byte(policySchemaJSON))); err != nil {
			schemaErr = fmt.Errorf("policy: schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(policySchemaURL)
	})
	return compiledSchema, schemaErr
}

// toJSON принимает JSON или YAML (YAML — надмножество JSON) и возвращает JSON.
func toJSON(raw []byte) ([]byte, error) {
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	if generic == nil {
		return nil, fmt.Errorf("policy: parse: empty document")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("policy: normalize: %w", err)
	}
	return out, nil
}

// ParseDocument разбирает, валидирует по JSON Schema и хеширует документ политики.
func ParseDocument(raw []byte) (*domain.PolicySnapshot, error) {
	// 1. Нормализация в JSON
	data, err := toJSON(raw)
	if err != nil {
		return nil, err
	}

	// 2. Валидация структуры
	schema, err := documentSchema()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance interface{}
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	// 3. Типизированная модель
	var doc domain.PolicyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode document: %w", err)
	}

	// 4. Хеш снапшота
	hash, err := SnapshotHash(data)
	if err != nil {
		return nil, err
	}
	return &domain.PolicySnapshot{Version: doc.PolicyVersion, Hash: hash, Document: &doc}, nil
}

// SnapshotHash — sha256 от канонической формы JSON (RFC 8785), hex.
func SnapshotHash(jsonData []byte) (string, error) {
	canonical, err := jcs.Transform(jsonData)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ParsePointer разбирает active.json.
func ParsePointer(raw []byte) (string, error) {
	var p domain.ActivePointer
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("policy: parse pointer: %w", err)
	}
	if p.ActivePolicyVersion == "" {
		return "", ErrNoActiveVersion
	}
	return p.ActivePolicyVersion, nil
}

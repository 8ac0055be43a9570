package mcp

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/getkin/kin-openapi/openapi3"
)

func (m *Manager) buildOpenAPITools(serverName string, serverCfg *config.MCPServerConfig, nameUsage map[string]int) ([]tools.Handle, error) {
	apiCfg := serverCfg.OpenAPI
	if apiCfg == nil {
		return nil, fmt.Errorf("openapi configuration missing")
	}

	doc, err := m.loadSpec(strings.TrimSpace(apiCfg.SpecPath))
	if err != nil {
		return nil, err
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, fmt.Errorf("openapi spec contains no paths")
	}

	baseURL := strings.TrimSpace(apiCfg.URL)
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("openapi server URL is required")
	}

	headers := cloneStringMap(apiCfg.DefaultHeaders)
	if _, exists := headers["Authorization"]; !exists {
		bearer := strings.TrimSpace(apiCfg.AuthBearerToken)
		if bearer == "" && apiCfg.AuthBearerEnv != "" {
			bearer = strings.TrimSpace(os.Getenv(apiCfg.AuthBearerEnv))
		}
		if bearer != "" {
			headers["Authorization"] = "Bearer " + bearer
		}
	}

	paths := doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	var handles []tools.Handle
	for _, path := range pathKeys {
		pathItem := paths[path]
		if pathItem == nil {
			continue
		}
		operations := pathItem.Operations()
		methods := make([]string, 0, len(operations))
		for method := range operations {
			methods = append(methods, method)
		}
		sort.Strings(methods)

		for _, method := range methods {
			operation := operations[method]
			if operation == nil {
				continue
			}
			description := operation.Summary
			if description == "" {
				description = operation.Description
			}
			if description == "" {
				description = fmt.Sprintf("Call %s %s", strings.ToUpper(method), path)
			}

			handles = append(handles, tools.NewOpenAPITool(&tools.OpenAPIToolConfig{
				Name:           toolName(serverName, operationName(operation, method, path), nameUsage),
				Description:    description,
				BaseURL:        baseURL,
				Method:         method,
				Path:           path,
				Parameters:     collectParameters(pathItem.Parameters, operation.Parameters),
				RequestBody:    collectRequestBody(operation.RequestBody),
				DefaultHeaders: headers,
				DefaultQuery:   apiCfg.DefaultQuery,
				HTTPClient:     m.httpClient,
			}))
		}
	}

	if len(handles) == 0 {
		return nil, fmt.Errorf("no operations discovered in OpenAPI spec")
	}
	return handles, nil
}

func (m *Manager) loadSpec(specPath string) (*openapi3.T, error) {
	if specPath == "" {
		return nil, fmt.Errorf("openapi spec_path is required")
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if parsed, perr := url.Parse(specPath); perr == nil && parsed.Scheme != "" && parsed.Host != "" {
		doc, err = loader.LoadFromURI(parsed)
	} else {
		if !filepath.IsAbs(specPath) && m.workingDir != "" {
			specPath = filepath.Join(m.workingDir, specPath)
		}
		doc, err = loader.LoadFromFile(specPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	return doc, nil
}

func collectParameters(pathParams openapi3.Parameters, opParams openapi3.Parameters) []*tools.OpenAPIParameter {
	all := make([]*tools.OpenAPIParameter, 0, len(pathParams)+len(opParams))
	seen := make(map[string]bool)

	for _, ref := range append(append(openapi3.Parameters{}, pathParams...), opParams...) {
		if ref == nil || ref.Value == nil {
			continue
		}
		param := ref.Value
		key := param.In + ":" + param.Name
		if seen[key] {
			continue
		}
		seen[key] = true

		all = append(all, &tools.OpenAPIParameter{
			Name:        param.Name,
			In:          param.In,
			Key:         parameterKey(param),
			Required:    param.Required || param.In == openapi3.ParameterInPath,
			Schema:      schemaRefToJSONSchema(param.Schema),
			Description: param.Description,
		})
	}
	return all
}

// parameterKey keeps the plain name for path and query parameters and
// qualifies the rest so a header and a query parameter cannot collide.
func parameterKey(param *openapi3.Parameter) string {
	switch param.In {
	case openapi3.ParameterInPath, openapi3.ParameterInQuery:
		return param.Name
	default:
		return sanitizeName(param.In + "_" + param.Name)
	}
}

func collectRequestBody(requestBodyRef *openapi3.RequestBodyRef) *tools.OpenAPIRequestBody {
	if requestBodyRef == nil || requestBodyRef.Value == nil {
		return nil
	}

	contentType := ""
	var schemaRef *openapi3.SchemaRef
	if media, ok := requestBodyRef.Value.Content["application/json"]; ok {
		contentType = "application/json"
		schemaRef = media.Schema
	} else {
		types := make([]string, 0, len(requestBodyRef.Value.Content))
		for ctype := range requestBodyRef.Value.Content {
			types = append(types, ctype)
		}
		sort.Strings(types)
		if len(types) > 0 {
			contentType = types[0]
			schemaRef = requestBodyRef.Value.Content[contentType].Schema
		}
	}

	return &tools.OpenAPIRequestBody{
		Required:    requestBodyRef.Value.Required,
		ContentType: contentType,
		Schema:      schemaRefToJSONSchema(schemaRef),
	}
}

func schemaRefToJSONSchema(schemaRef *openapi3.SchemaRef) map[string]interface{} {
	if schemaRef == nil || schemaRef.Value == nil {
		return nil
	}
	schema := schemaRef.Value

	result := map[string]interface{}{}
	if schema.Type != nil {
		if types := schema.Type.Slice(); len(types) == 1 {
			result["type"] = types[0]
		} else if len(types) > 1 {
			result["type"] = types
		}
	}
	if schema.Format != "" {
		result["format"] = schema.Format
	}
	if schema.Description != "" {
		result["description"] = schema.Description
	}
	if len(schema.Enum) > 0 {
		result["enum"] = schema.Enum
	}
	if schema.Default != nil {
		result["default"] = schema.Default
	}
	if schema.Min != nil {
		result["minimum"] = *schema.Min
	}
	if schema.Max != nil {
		result["maximum"] = *schema.Max
	}
	if len(schema.Required) > 0 {
		required := make([]interface{}, 0, len(schema.Required))
		for _, r := range schema.Required {
			required = append(required, r)
		}
		result["required"] = required
	}
	if schema.Items != nil {
		result["items"] = schemaRefToJSONSchema(schema.Items)
	}
	if schema.Properties != nil {
		props := make(map[string]interface{}, len(schema.Properties))
		for key, propRef := range schema.Properties {
			props[key] = schemaRefToJSONSchema(propRef)
		}
		result["properties"] = props
	}
	if schema.AdditionalProperties.Schema != nil {
		result["additionalProperties"] = true
	} else if schema.AdditionalProperties.Has != nil {
		result["additionalProperties"] = *schema.AdditionalProperties.Has
	}
	for key, refs := range map[string]openapi3.SchemaRefs{"anyOf": schema.AnyOf, "allOf": schema.AllOf, "oneOf": schema.OneOf} {
		if len(refs) == 0 {
			continue
		}
		out := make([]interface{}, 0, len(refs))
		for _, ref := range refs {
			out = append(out, schemaRefToJSONSchema(ref))
		}
		result[key] = out
	}
	return result
}

func operationName(operation *openapi3.Operation, method, path string) string {
	if operation != nil && operation.OperationID != "" {
		return operation.OperationID
	}
	return method + "_" + strings.Trim(path, "/")
}

package config

// Defaults are returned fresh on every call so that merging never mutates shared state.

func appDefaults() map[string]any {
	return map[string]any{
		"name":           "api",
		"version":        "0.0",
		"swagger_url":    "/swagger",
		"swagger_ui_url": "/doc",
		"host":           "0.0.0.0",
		"port":           8000,
		"debug":          true,
		"auth": map[string]any{
			"strict": false,
		},
	}
}

func environmentDefaults() map[string]any {
	return map[string]any{
		"app_db_url":     "",
		"app_secret_key": "this-is-not-so-secret",
	}
}

func loggerDefaults() map[string]any {
	logger := func() map[string]any {
		return map[string]any{"output": "stdout", "level": 10}
	}
	return map[string]any{
		"app":           logger(),
		"audit_logger":  logger(),
		"error_handler": logger(),
		"sql":           logger(),
	}
}

func databaseDefaults() map[string]any {
	return map[string]any{
		"name":                  "",
		"driver":                "",
		"schema":                "public",
		"transactional_batches": false,
	}
}

func apiEndpointsDefaults() map[string]any {
	return map[string]any{
		"put":    []any{"SINGLE", "LIST"},
		"get":    []any{"SINGLE", "LIST"},
		"post":   []any{"SINGLE", "LIST"},
		"delete": []any{"SINGLE", "LIST"},
	}
}

func lifecycleDefaults() map[string]any {
	return map[string]any{
		"soft_delete":         map[string]any{"enable": false},
		"on_update_timestamp": map[string]any{"enable": false},
		"on_create_timestamp": map[string]any{"enable": false},
	}
}

// tablesDefaults is the base of a source's defaults.tables block.
func tablesDefaults() map[string]any {
	ext := lifecycleDefaults()
	ext["audit_logger"] = map[string]any{
		"package": "audit",
		"handler": "null",
	}
	return map[string]any{
		"id_field":      "id",
		"api_endpoints": apiEndpointsDefaults(),
		"extensions":    ext,
	}
}

func tableDefaults() map[string]any {
	return map[string]any{
		"id_field":      "id",
		"alias":         "",
		"api_endpoints": apiEndpointsDefaults(),
		"extensions":    lifecycleDefaults(),
	}
}

func sqlDefaults() map[string]any {
	return map[string]any{
		"method": "GET",
	}
}

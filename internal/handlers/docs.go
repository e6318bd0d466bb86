package handlers

import (
	"encoding/json"
	"net/http"
)

func queryParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func jsonResponse(description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		},
	}
}

func errorResponse(description string) map[string]interface{} {
	return jsonResponse(description, map[string]interface{}{"$ref": "#/components/schemas/Error"})
}

var stationParam = map[string]interface{}{
	"name":        "station",
	"in":          "path",
	"description": "Station name, e.g. mythenquai or tiefenbrunnen",
	"required":    true,
	"schema":      map[string]string{"type": "string"},
}

var (
	fieldsParam = queryParam("fields", "Comma separated field names; all fields when omitted",
		map[string]interface{}{"type": "string"})
	startParam = queryParam("start", "Range start (RFC 3339 or YYYY-MM-DD)",
		map[string]interface{}{"type": "string", "format": "date-time"})
	stopParam = queryParam("stop", "Range end (RFC 3339 or YYYY-MM-DD); defaults to now",
		map[string]interface{}{"type": "string", "format": "date-time"})
	tzParam = queryParam("tz", "IANA zone of returned timestamps; defaults to the service zone",
		map[string]interface{}{"type": "string"})
)

// OpenAPISpec returns the OpenAPI 3.0 specification for the Meteo Platform API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Meteo Platform API",
			"description": "Lake Zurich weather station measurements kept current by a catch-up ingestion engine",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Meteo Platform Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:6540", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/stations": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "List stations",
					"responses": map[string]interface{}{
						"200": jsonResponse("Configured stations", map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"stations": map[string]interface{}{
									"type":  "array",
									"items": map[string]string{"type": "string"},
								},
							},
						}),
					},
				},
			},
			"/api/units": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Units of every measurement field",
					"responses": map[string]interface{}{
						"200": jsonResponse("Field to unit map", map[string]interface{}{
							"type":                 "object",
							"additionalProperties": map[string]string{"type": "string"},
						}),
					},
				},
			},
			"/api/status": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Freshness state",
					"responses": map[string]interface{}{
						"200": jsonResponse("Freshness snapshot", map[string]interface{}{"$ref": "#/components/schemas/Status"}),
					},
				},
			},
			"/api/weather/{station}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get measurements",
					"description": "Latest record when no range is given, otherwise every record in [start, stop]",
					"parameters":  []map[string]interface{}{stationParam, fieldsParam, startParam, stopParam, tzParam},
					"responses": map[string]interface{}{
						"200": jsonResponse("Time indexed table", map[string]interface{}{"$ref": "#/components/schemas/Table"}),
						"400": errorResponse("Invalid field, time or zone"),
						"404": errorResponse("Unknown station"),
						"503": errorResponse("No data available or store unreachable"),
					},
				},
			},
			"/api/weather/{station}/statistics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get range statistics",
					"description": "Count, min, max, mean and last value per field; the last 24 hours by default",
					"parameters":  []map[string]interface{}{stationParam, fieldsParam, startParam, stopParam},
					"responses": map[string]interface{}{
						"200": jsonResponse("Per field statistics", map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"station": map[string]string{"type": "string"},
								"start":   map[string]string{"type": "string", "format": "date-time"},
								"stop":    map[string]string{"type": "string", "format": "date-time"},
								"fields": map[string]interface{}{
									"type": "array",
									"items": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"field": map[string]string{"type": "string"},
											"unit":  map[string]string{"type": "string"},
											"count": map[string]string{"type": "integer"},
											"min":   map[string]string{"type": "number"},
											"max":   map[string]string{"type": "number"},
											"mean":  map[string]string{"type": "number"},
											"last":  map[string]string{"type": "number"},
										},
									},
								},
							},
						}),
						"400": errorResponse("Invalid field or time"),
						"404": errorResponse("Unknown station"),
						"503": errorResponse("No data available or store unreachable"),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Health check",
					"responses": map[string]interface{}{
						"200": jsonResponse("Store is live", map[string]interface{}{"$ref": "#/components/schemas/Health"}),
						"503": jsonResponse("Store is not live", map[string]interface{}{"$ref": "#/components/schemas/Health"}),
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Prometheus metrics",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Metrics in Prometheus text exposition format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Table": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"station": map[string]string{"type": "string"},
						"columns": map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
						"rows": map[string]interface{}{
							"type": "array",
							"items": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"time": map[string]string{"type": "string", "format": "date-time"},
									"values": map[string]interface{}{
										"type":                 "object",
										"additionalProperties": map[string]string{"type": "number"},
									},
								},
							},
						},
					},
				},
				"Status": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"is_live":     map[string]string{"type": "boolean"},
						"last_fetch":  map[string]interface{}{"type": "string", "format": "date-time", "nullable": true},
						"last_update": map[string]interface{}{"type": "string", "format": "date-time", "nullable": true},
					},
				},
				"Health": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"status":      map[string]string{"type": "string"},
						"is_live":     map[string]string{"type": "boolean"},
						"last_fetch":  map[string]interface{}{"type": "string", "format": "date-time", "nullable": true},
						"last_update": map[string]interface{}{"type": "string", "format": "date-time", "nullable": true},
						"timestamp":   map[string]string{"type": "string", "format": "date-time"},
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":      map[string]string{"type": "string"},
						"message":    map[string]string{"type": "string"},
						"code":       map[string]string{"type": "integer"},
						"request_id": map[string]string{"type": "string"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}

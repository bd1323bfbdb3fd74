// Package docs holds the OpenAPI document served under /swagger.
//
// Regenerate from the handler annotations with:
//
//	swag init -g cmd/studyloop/main.go -o internal/docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/courses/{courseId}/weeks/{weekId}/materials": {
            "post": {
                "tags": ["Materials"],
                "summary": "Upload a course material",
                "operationId": "uploadMaterial",
                "consumes": ["application/json", "multipart/form-data"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"type": "string", "description": "Course ID", "name": "courseId", "in": "path", "required": true},
                    {"type": "string", "format": "uuid", "description": "Week ID", "name": "weekId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "Replayed result", "schema": {"$ref": "#/definitions/services.UploadResult"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/services.UploadResult"}},
                    "400": {"description": "Validation failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Request in progress or failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "429": {"description": "Quota or rate limit exceeded", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Task runner unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/materials/{id}/retry": {
            "post": {
                "tags": ["Materials"],
                "summary": "Retry a failed material",
                "operationId": "retryMaterial",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "description": "Material ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/services.UploadResult"}},
                    "404": {"description": "Material not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Material is not failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/weeks/{weekId}/generation": {
            "post": {
                "tags": ["Generation"],
                "summary": "Generate study content for a week",
                "operationId": "dispatchGeneration",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Week ID", "name": "weekId", "in": "path", "required": true},
                    {"description": "Dispatch payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.DispatchGenerationRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.DispatchGenerationResponse"}},
                    "400": {"description": "Validation failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Week or config not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Generation already in progress", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "429": {"description": "Quota or rate limit exceeded", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Task runner unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/weeks/{weekId}/status": {
            "get": {
                "tags": ["Generation"],
                "summary": "Aggregated week status",
                "operationId": "weekStatus",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Week ID", "name": "weekId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Week not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/weeks/{weekId}/jobs": {
            "get": {
                "tags": ["Generation"],
                "summary": "Processing jobs of a week",
                "operationId": "listJobs",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Week ID", "name": "weekId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Week not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["Generation"],
                "summary": "Clear processing jobs of a week",
                "operationId": "deleteJobs",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Week ID", "name": "weekId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Week not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/weeks/{weekId}/content": {
            "get": {
                "tags": ["Content"],
                "summary": "Generated content (paginated)",
                "operationId": "listContent",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"type": "string", "format": "uuid", "description": "Week ID", "name": "weekId", "in": "path", "required": true},
                    {"type": "string", "description": "Content type", "name": "type", "in": "query"},
                    {"type": "integer", "default": 1, "minimum": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"type": "integer", "default": 20, "maximum": 100, "minimum": 1, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}, "headers": {"ETag": {"type": "string", "description": "Weak ETag for current result"}}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Unknown content type", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Week not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/usage": {
            "get": {
                "tags": ["Usage"],
                "summary": "Quota usage",
                "operationId": "usage",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "X-User-ID", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}}
                }
            }
        },
        "/runs/{runId}/stream": {
            "get": {
                "tags": ["Realtime"],
                "summary": "Stream run progress",
                "operationId": "streamRun",
                "produces": ["text/event-stream"],
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "runId", "in": "path", "required": true},
                    {"type": "string", "description": "Run access token returned by the dispatch", "name": "token", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "event: snapshot"},
                    "401": {"description": "Missing or invalid token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/webhooks/payments": {
            "post": {
                "tags": ["Webhooks"],
                "summary": "Payment provider webhook",
                "operationId": "paymentWebhook",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "hex HMAC-SHA256 of the raw body", "name": "X-Signature", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Malformed event", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Invalid signature", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Processing failed; the provider should redeliver", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/internal/cron/quota-reset": {
            "post": {
                "tags": ["Cron"],
                "summary": "Reset expired usage cycles",
                "operationId": "cronQuotaReset",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Bearer CRON_SECRET", "name": "Authorization", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.SweepResult"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Sweep failed", "schema": {"$ref": "#/definitions/services.SweepResult"}}
                }
            }
        },
        "/internal/cron/retries": {
            "post": {
                "tags": ["Cron"],
                "summary": "Replay webhook deliveries with retries left",
                "operationId": "cronRetries",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Bearer CRON_SECRET", "name": "Authorization", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.SweepResult"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Sweep failed", "schema": {"$ref": "#/definitions/services.SweepResult"}}
                }
            }
        },
        "/internal/cron/jobs-purge": {
            "post": {
                "tags": ["Cron"],
                "summary": "Purge stale processing jobs and expired idempotency records",
                "operationId": "cronJobsPurge",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Bearer CRON_SECRET", "name": "Authorization", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.SweepResult"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Sweep failed", "schema": {"$ref": "#/definitions/services.SweepResult"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string", "example": "validation_failed"},
                "message": {"type": "string"},
                "request_id": {"type": "string"},
                "details": {"type": "object"}
            }
        },
        "handlers.DispatchGenerationRequest": {
            "type": "object",
            "required": ["course_id", "content_types"],
            "properties": {
                "course_id": {"type": "string", "example": "course-42"},
                "material_ids": {"type": "array", "items": {"type": "string"}},
                "config_id": {"type": "string"},
                "config": {"type": "object"},
                "content_types": {"type": "array", "items": {"type": "string"}, "example": ["summaries", "mcqs"]}
            }
        },
        "handlers.DispatchGenerationResponse": {
            "type": "object",
            "properties": {
                "run_id": {"type": "string"},
                "access_token": {"type": "string"},
                "job_id": {"type": "string"},
                "config_id": {"type": "string"},
                "content_types": {"type": "array", "items": {"type": "string"}},
                "material_ids": {"type": "array", "items": {"type": "string"}},
                "quota": {"type": "object"}
            }
        },
        "services.UploadResult": {
            "type": "object",
            "properties": {
                "material": {"type": "object"},
                "config_id": {"type": "string"},
                "run": {"type": "object"},
                "job_id": {"type": "string"},
                "quota": {"type": "object"},
                "duplicate": {"type": "boolean"}
            }
        },
        "services.SweepResult": {
            "type": "object",
            "properties": {
                "sweep": {"type": "string"},
                "success": {"type": "boolean"},
                "users_processed": {"type": "integer"},
                "items_processed": {"type": "integer"},
                "failures": {"type": "integer"},
                "duration_ms": {"type": "integer"},
                "skipped": {"type": "boolean"},
                "error": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "StudyLoop API",
	Description:      "Material intake, content generation dispatch, status, quota, and realtime run progress.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

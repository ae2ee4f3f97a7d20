package contract

// SchemaJSON is the JSON Schema model output must satisfy. It is embedded
// verbatim in prompts and compiled by New.
const SchemaJSON = `{
  "type": "object",
  "properties": {
    "action": {"type": "string"},
    "endpoint": {"type": "string"},
    "arguments": {"type": "object"},
    "requiresApproval": {"type": "boolean"},
    "approvalsNeeded": {"type": "array", "items": {"type": "string"}},
    "justification": {"type": "string"},
    "sources": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "score": {"type": "number"},
          "excerpt": {"type": "string"}
        },
        "required": ["id", "score"]
      }
    },
    "confidence": {"type": "number", "minimum": 0.0, "maximum": 1.0},
    "riskAssessment": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "complianceNotes": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["action", "endpoint", "requiresApproval", "justification", "sources", "confidence"]
}`

// ExampleJSON shows the model a filled-in instance of the schema.
const ExampleJSON = `{
  "action": "<action_name>",
  "endpoint": "<endpoint>",
  "arguments": {},
  "requiresApproval": true|false,
  "approvalsNeeded": ["role-id"],
  "justification": "rationale with citations [doc#id]",
  "sources": [{"id":"doc-123","score":0.92,"excerpt":"..."}],
  "confidence": 0.0-1.0,
  "riskAssessment": "LOW|MEDIUM|HIGH|CRITICAL",
  "complianceNotes": ["ISO_27001_A.12.6.1"]
}`

// RequiredFields lists the keys whose absence is a contract violation.
var RequiredFields = []string{"action", "endpoint", "requiresApproval", "justification", "sources", "confidence"}

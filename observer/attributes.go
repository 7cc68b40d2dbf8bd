package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for engine observability spans and metrics.
var (
	AttrWorkflowID = attribute.Key("workflow.id")
	AttrRunID      = attribute.Key("run.id")
	AttrStepID     = attribute.Key("step.id")
	AttrStoryID    = attribute.Key("story.id")

	AttrRole     = attribute.Key("agent.role")
	AttrUnitKind = attribute.Key("unit.kind")
	AttrStatus   = attribute.Key("status")

	AttrMedicCheck = attribute.Key("medic.check")
	AttrSeverity   = attribute.Key("medic.severity")
)

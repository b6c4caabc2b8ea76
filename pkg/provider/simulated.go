package provider

import (
	"context"

	"github.com/forgekit/mosaic/pkg/eventlog"
)

// simulatedHandler fulfils every invocation by synthesizing an empty JSON
// blob per declared output, used when Registry.Resolve finds no concrete
// handler in the "simulated" environment (spec §4.O).
type simulatedHandler struct{}

func (simulatedHandler) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	artefacts := make([]ArtifactResult, len(req.Produces))
	for i, id := range req.Produces {
		artefacts[i] = ArtifactResult{
			ArtifactID: id,
			Status:     eventlog.StatusSucceeded,
			Blob:       &BlobInput{Bytes: []byte("{}"), MimeType: "application/json"},
		}
	}
	return InvokeResult{Status: eventlog.StatusSucceeded, Artefacts: artefacts}, nil
}

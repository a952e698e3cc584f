package cmd

import (
	"log"

	"github.com/quatton/runbookgen/pkg/qsdk"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

// exitIfSdkError inspects errors returned from the SDK and emits user-friendly
// guidance before exiting. Non-SDK errors fall back to log.Fatalf.
func exitIfSdkError(err error) {
	if err == nil {
		return
	}
	switch {
	case qerr.IsCode(err, qerr.CodeUnauthorized):
		log.Fatalf("authentication required: run 'runbookctl token set' (%v)", err)
	case qsdk.IsNotFound(err), qerr.IsCode(err, qerr.CodeNotFound):
		log.Fatalf("not found: %v", err)
	case qerr.IsCode(err, qerr.CodeSubmissionFailed):
		log.Fatalf("submission rejected: %v", err)
	default:
		log.Fatalf("%v", err)
	}
}

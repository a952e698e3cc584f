package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/quatton/runbookgen/pkg/qapi/services"
)

type Tag string

const (
	TagSystem    Tag = "System"
	TagIam       Tag = "IAM"
	TagRuns      Tag = "Runs"
	TagArtifacts Tag = "Artifacts"
)

func (t Tag) String() string { return string(t) }

// BearerScheme names the security scheme declared by the API.
const BearerScheme = "bearer"

// BearerAuth marks an operation as requiring the bearer scheme.
var BearerAuth = []map[string][]string{{BearerScheme: {}}}

func RegisterAPI(api huma.API, svcs *services.Services) {
	RegisterHealth(api)
	if svcs == nil {
		RegisterIAM(api, nil)
		RegisterRuns(api, nil)
		return
	}
	RegisterIAM(api, svcs.IAM)
	RegisterRuns(api, svcs.Runbooks)
}

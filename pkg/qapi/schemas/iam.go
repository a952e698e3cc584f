package schemas

type Principal struct {
	Subject string `json:"sub" doc:"Token subject"`
	Name    string `json:"name,omitempty" doc:"Display name of the principal"`
	Scope   string `json:"scope,omitempty" doc:"Granted scope"`
}

type MeResponse struct {
	Body struct {
		Principal Principal `json:"principal"`
		Anonymous bool      `json:"anonymous" doc:"True when the server runs without AUTH_SECRET"`
	}
}

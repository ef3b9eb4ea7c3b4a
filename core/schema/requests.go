package schema

// Schema ids of the request bodies
const (
	ShipmentIn             = "https://scaup.schemas/shipment-in.json"
	TopLevelContainerIn    = "https://scaup.schemas/top-level-container-in.json"
	TopLevelContainerPatch = "https://scaup.schemas/top-level-container-patch.json"
	ContainerIn            = "https://scaup.schemas/container-in.json"
	ContainerPatch         = "https://scaup.schemas/container-patch.json"
	SampleIn               = "https://scaup.schemas/sample-in.json"
	SamplePatch            = "https://scaup.schemas/sample-patch.json"
	PreSessionIn           = "https://scaup.schemas/pre-session-in.json"
	StatusUpdate           = "https://scaup.schemas/status-update.json"
	SublocationAssignments = "https://scaup.schemas/sublocation-assignments.json"
	PreloadedDewar         = "https://scaup.schemas/preloaded-dewar.json"
)

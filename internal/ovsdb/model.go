package ovsdb

// Row models for the Open_vSwitch database. Only the columns read or
// written here are mapped.

const (
	DatabaseName     = "Open_vSwitch"
	OpenvSwitchTable = "Open_vSwitch"
	BridgeTable      = "Bridge"
	InterfaceTable   = "Interface"
)

// OpenvSwitch is the single row of the root table.
type OpenvSwitch struct {
	UUID        string            `ovsdb:"_uuid"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	OtherConfig map[string]string `ovsdb:"other_config"`
}

// Bridge is a row of the Bridge table.
type Bridge struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	OtherConfig map[string]string `ovsdb:"other_config"`
}

// Interface is a row of the Interface table.
type Interface struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Type        string            `ovsdb:"type"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	OtherConfig map[string]string `ovsdb:"other_config"`
}

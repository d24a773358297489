package netstate

import (
	"os"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/value"
)

// Parse decodes a YAML or JSON state document. Unknown keys are rejected.
func Parse(data []byte) (*NetworkState, error) {
	v, err := value.ParseYAML(data)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindInvalidArgument, err, "invalid document")
	}
	return FromValue(v)
}

// Load reads and parses the document at path.
func Load(path string) (*NetworkState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindInvalidArgument, err, "failed to read %s", path)
	}
	return Parse(data)
}

// FromValue decodes a generic tree into a state.
func FromValue(v value.Value) (*NetworkState, error) {
	s := &NetworkState{}
	if v.IsNull() {
		return s, nil
	}
	if err := value.Decode(v, s); err != nil {
		return nil, neterr.Wrap(neterr.KindInvalidArgument, err, "invalid document")
	}
	return s, nil
}

// ToValue converts the state into the generic tree.
func (s *NetworkState) ToValue() (value.Value, error) {
	return value.FromStruct(s)
}

// Encode renders the state as a YAML document with sorted keys.
func (s *NetworkState) Encode() ([]byte, error) {
	v, err := s.ToValue()
	if err != nil {
		return nil, err
	}
	return value.EncodeYAML(v)
}

// Interface returns the interface with the given name and namespace, or nil.
func (s *NetworkState) Interface(name string, ns Namespace) *Interface {
	for _, iface := range s.Interfaces {
		if iface != nil && iface.Name == name && iface.Namespace() == ns {
			return iface
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *NetworkState) Clone() *NetworkState {
	v, err := s.ToValue()
	if err != nil {
		panic("netstate: clone: " + err.Error())
	}
	out, err := FromValue(v)
	if err != nil {
		panic("netstate: clone: " + err.Error())
	}
	for i, iface := range s.Interfaces {
		if iface != nil && i < len(out.Interfaces) && out.Interfaces[i] != nil {
			out.Interfaces[i].ControllerType = iface.ControllerType
		}
	}
	return out
}

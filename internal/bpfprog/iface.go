package bpfprog

import "net"

// interfaceByName resolves an interface name to its kernel index, which is
// all link.AttachXDP/AttachTCX need.
func interfaceByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return iface.Index, nil
}

package rdma

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// sysInfinibandRoot is where the kernel exposes RDMA devices.
const sysInfinibandRoot = "/sys/class/infiniband"

// Device describes one RDMA NIC as seen by ListDevices.
type Device struct {
	Name   string
	Ports  int
	GID    string
	NetDev string
	IPAddr string
}

func (d Device) String() string {
	return fmt.Sprintf("%s ports=%d gid=%s netdev=%s ip=%s", d.Name, d.Ports, d.GID, d.NetDev, d.IPAddr)
}

// isIPv4MappedIPv6 reports whether a raw GID has the ::ffff:A.B.C.D layout.
func isIPv4MappedIPv6(ipBytes []byte) bool {
	return len(ipBytes) == 16 && ipBytes[10] == 0xff && ipBytes[11] == 0xff
}

// formatGIDString renders a GID, keeping the ::ffff: prefix of RoCEv2
// IPv4-mapped GIDs.
func formatGIDString(gidBytes []byte) string {
	if isIPv4MappedIPv6(gidBytes) {
		return fmt.Sprintf("::ffff:%d.%d.%d.%d", gidBytes[12], gidBytes[13], gidBytes[14], gidBytes[15])
	}
	return net.IP(gidBytes).String()
}

// netDevOf returns the first network interface backing an RDMA device.
func netDevOf(sysRoot, device string) string {
	netDir := filepath.Join(sysRoot, device, "device", "net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		log.Debug().Str("device", device).Err(err).Msg("Failed to read network interfaces directory")
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Name()
}

// ipv4Of returns the first IPv4 address of a network interface.
func ipv4Of(ifName string) string {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		log.Debug().Str("interface", ifName).Err(err).Msg("Failed to get interface")
		return ""
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if ipv4 := ipNet.IP.To4(); ipv4 != nil {
				return ipv4.String()
			}
		}
	}
	return ""
}

// describeDevice fills in the network side of a device: its interface and,
// failing an interface address, the IPv4 embedded in its GID.
func describeDevice(sysRoot string, d Device, gid []byte) Device {
	if len(gid) == 16 {
		d.GID = formatGIDString(gid)
	}
	d.NetDev = netDevOf(sysRoot, d.Name)
	if d.NetDev != "" {
		d.IPAddr = ipv4Of(d.NetDev)
	}
	if d.IPAddr == "" && isIPv4MappedIPv6(gid) {
		d.IPAddr = net.IP(gid).To4().String()
	}
	return d
}

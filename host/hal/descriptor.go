package hal

import (
	"fmt"

	"github.com/ardnew/aapbridge/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes.
const (
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
)

// Request types (bmRequestType).
const (
	RequestTypeOut      = 0x00 // Host to device
	RequestTypeIn       = 0x80 // Device to host
	RequestTypeStandard = 0x00 // Standard request
	RequestTypeDevice   = 0x00 // Recipient: device
)

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// EndpointDirectionIn marks device-to-host endpoint addresses.
const EndpointDirectionIn = 0x80

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = uint16(data[2]) | uint16(data[3])<<8
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = uint16(data[8]) | uint16(data[9])<<8
	out.ProductID = uint16(data[10]) | uint16(data[11])<<8
	out.DeviceVersion = uint16(data[12]) | uint16(data[13])<<8
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ConfigurationDescriptor represents a USB configuration descriptor header.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses configuration descriptor from data.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = uint16(data[2]) | uint16(data[3])<<8
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// EndpointDescriptor represents a USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses endpoint descriptor from data.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = uint16(data[4]) | uint16(data[5])<<8
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// IsBulk returns true if this is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == TransferBulk
}

// Interface is an interface descriptor with the endpoints that follow it.
type Interface struct {
	InterfaceDescriptor
	Endpoints []EndpointDescriptor
}

// Configuration is a parsed configuration descriptor tree.
type Configuration struct {
	ConfigurationDescriptor
	Interfaces []Interface
}

// ParseConfiguration parses a full configuration descriptor, as returned
// by GET_DESCRIPTOR(CONFIGURATION), into its interface tree. Class-specific
// descriptors are skipped.
func ParseConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	if !ParseConfigurationDescriptor(data, &cfg.ConfigurationDescriptor) {
		return cfg, pkg.ErrDescriptorTooShort
	}
	if cfg.DescriptorType != DescriptorTypeConfiguration {
		return cfg, pkg.ErrDescriptorTypeMismatch
	}

	end := min(len(data), int(cfg.TotalLength))
	offset := int(cfg.Length)
	if offset < ConfigurationDescriptorSize {
		offset = ConfigurationDescriptorSize
	}

	for offset+2 <= end {
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > end {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			var iface Interface
			if ParseInterfaceDescriptor(data[offset:offset+length], &iface.InterfaceDescriptor) {
				cfg.Interfaces = append(cfg.Interfaces, iface)
			}

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if n := len(cfg.Interfaces); n > 0 && ParseEndpointDescriptor(data[offset:offset+length], &ep) {
				cfg.Interfaces[n-1].Endpoints = append(cfg.Interfaces[n-1].Endpoints, ep)
			}
		}

		offset += length
	}

	return cfg, nil
}

// BulkEndpoints identifies the endpoint pair used for the link.
type BulkEndpoints struct {
	In        uint8 // bulk IN endpoint address
	Out       uint8 // bulk OUT endpoint address
	Interface uint8 // interface owning the IN endpoint
}

// String formats the pair for logging.
func (b BulkEndpoints) String() string {
	return fmt.Sprintf("in=0x%02x out=0x%02x iface=%d", b.In, b.Out, b.Interface)
}

// FindBulkEndpoints returns the first bulk IN and first bulk OUT endpoint
// of cfg in descriptor order.
func FindBulkEndpoints(cfg *Configuration) (BulkEndpoints, error) {
	var (
		eps             BulkEndpoints
		haveIn, haveOut bool
	)
	for _, iface := range cfg.Interfaces {
		for i := range iface.Endpoints {
			ep := &iface.Endpoints[i]
			if !ep.IsBulk() {
				continue
			}
			switch {
			case ep.IsIn() && !haveIn:
				eps.In = ep.EndpointAddress
				eps.Interface = iface.InterfaceNumber
				haveIn = true
			case !ep.IsIn() && !haveOut:
				eps.Out = ep.EndpointAddress
				haveOut = true
			}
		}
	}
	if !haveIn || !haveOut {
		return eps, pkg.ErrEndpointNotFound
	}
	return eps, nil
}

// AppendConfiguration encodes cfg, its interfaces and endpoints into dst
// with TotalLength and NumInterfaces filled in.
func AppendConfiguration(dst []byte, cfg *Configuration) []byte {
	start := len(dst)
	dst = append(dst,
		ConfigurationDescriptorSize, DescriptorTypeConfiguration, 0, 0,
		uint8(len(cfg.Interfaces)), cfg.ConfigurationValue, cfg.ConfigurationIndex,
		cfg.Attributes, cfg.MaxPower)
	for _, iface := range cfg.Interfaces {
		dst = append(dst,
			InterfaceDescriptorSize, DescriptorTypeInterface,
			iface.InterfaceNumber, iface.AlternateSetting, uint8(len(iface.Endpoints)),
			iface.InterfaceClass, iface.InterfaceSubClass, iface.InterfaceProtocol,
			iface.InterfaceIndex)
		for _, ep := range iface.Endpoints {
			dst = append(dst,
				EndpointDescriptorSize, DescriptorTypeEndpoint,
				ep.EndpointAddress, ep.Attributes,
				byte(ep.MaxPacketSize), byte(ep.MaxPacketSize>>8), ep.Interval)
		}
	}
	total := len(dst) - start
	dst[start+2] = byte(total)
	dst[start+3] = byte(total >> 8)
	return dst
}

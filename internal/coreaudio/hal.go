package coreaudio

// IOProcFunc receives input buffers on the real-time audio thread. It must
// not block, allocate, lock, or panic.
type IOProcFunc func(input BufferList)

// PropertyListenerFunc receives property change notifications on an
// OS-managed thread.
type PropertyListenerFunc func(change PropertyChange)

// HAL is the set of native calls the tap core depends on.
type HAL interface {
	// DefaultOutputDevice returns the system default output device.
	DefaultOutputDevice() (ObjectID, error)
	// DeviceUID returns the persistent UID of a device.
	DeviceUID(device ObjectID) (string, error)
	// DeviceForUID translates a UID into a device ID, or UnknownObject if none exists.
	DeviceForUID(uid string) (ObjectID, error)
	// DeviceFormat returns the output stream format of a device.
	DeviceFormat(device ObjectID) (StreamFormat, error)
	// TapFormat returns the format of the samples a tap produces.
	TapFormat(tap ObjectID) (StreamFormat, error)

	CreateProcessTap(desc TapDescription) (ObjectID, error)
	DestroyProcessTap(tap ObjectID) error
	CreateAggregateDevice(desc AggregateDescription) (ObjectID, error)
	DestroyAggregateDevice(device ObjectID) error

	CreateIOProc(device ObjectID, fn IOProcFunc) (IOProcID, error)
	DestroyIOProc(device ObjectID, id IOProcID) error
	StartDevice(device ObjectID, id IOProcID) error
	StopDevice(device ObjectID, id IOProcID) error

	// AddPropertyListener subscribes fn to stream format, stream
	// configuration, and is-alive changes of device.
	AddPropertyListener(device ObjectID, fn PropertyListenerFunc) (ListenerID, error)
	RemovePropertyListener(device ObjectID, id ListenerID) error
}

//go:build !darwin

package coreaudio

// System returns the platform HAL. Process taps only exist on macOS.
func System() HAL {
	return unsupportedHAL{}
}

type unsupportedHAL struct{}

func (unsupportedHAL) DefaultOutputDevice() (ObjectID, error) {
	return UnknownObject, ErrUnsupported
}

func (unsupportedHAL) DeviceUID(ObjectID) (string, error) {
	return "", ErrUnsupported
}

func (unsupportedHAL) DeviceForUID(string) (ObjectID, error) {
	return UnknownObject, ErrUnsupported
}

func (unsupportedHAL) DeviceFormat(ObjectID) (StreamFormat, error) {
	return StreamFormat{}, ErrUnsupported
}

func (unsupportedHAL) TapFormat(ObjectID) (StreamFormat, error) {
	return StreamFormat{}, ErrUnsupported
}

func (unsupportedHAL) CreateProcessTap(TapDescription) (ObjectID, error) {
	return UnknownObject, ErrUnsupported
}

func (unsupportedHAL) DestroyProcessTap(ObjectID) error {
	return ErrUnsupported
}

func (unsupportedHAL) CreateAggregateDevice(AggregateDescription) (ObjectID, error) {
	return UnknownObject, ErrUnsupported
}

func (unsupportedHAL) DestroyAggregateDevice(ObjectID) error {
	return ErrUnsupported
}

func (unsupportedHAL) CreateIOProc(ObjectID, IOProcFunc) (IOProcID, error) {
	return 0, ErrUnsupported
}

func (unsupportedHAL) DestroyIOProc(ObjectID, IOProcID) error {
	return ErrUnsupported
}

func (unsupportedHAL) StartDevice(ObjectID, IOProcID) error {
	return ErrUnsupported
}

func (unsupportedHAL) StopDevice(ObjectID, IOProcID) error {
	return ErrUnsupported
}

func (unsupportedHAL) AddPropertyListener(ObjectID, PropertyListenerFunc) (ListenerID, error) {
	return 0, ErrUnsupported
}

func (unsupportedHAL) RemovePropertyListener(ObjectID, ListenerID) error {
	return ErrUnsupported
}

package tensor

const CPUName = "cpu"

// Device is a compute device that tensors can be moved onto.
// Accelerator backends implement Transfer by copying into their own memory,
// and tagging the result with their Name.
type Device interface {
	Name() string
	Transfer(t *Tensor) (*Tensor, error)
}

type cpuDevice struct{}

// CPU is the host device. Transfer to the CPU makes a copy tagged with "cpu".
var CPU Device = cpuDevice{}

func (cpuDevice) Name() string {
	return CPUName
}

func (cpuDevice) Transfer(t *Tensor) (*Tensor, error) {
	c := t.Clone()
	c.Device = CPUName
	return c, nil
}

package criterion

import (
	"github.com/openfluke/tomnet/nn"
	"gonum.org/v1/gonum/floats"
)

// objectThreshold separates object from background in ground-truth masks.
const objectThreshold = 0.5

// PredictedMask returns a binary N×1×H×W mask: 1 where the object logit
// exceeds the background logit.
func PredictedMask(logits *nn.Tensor) *nn.Tensor {
	plane := logits.Plane()
	out := nn.NewTensor(logits.N, 1, logits.H, logits.W)
	for n := 0; n < logits.N; n++ {
		for p := 0; p < plane; p++ {
			if logits.Data[(n*2+1)*plane+p] > logits.Data[n*2*plane+p] {
				out.Data[n*plane+p] = 1
			}
		}
	}
	return out
}

// MaskIoU is the intersection over union of the predicted mask and the
// thresholded ground truth. Two empty masks agree perfectly.
func MaskIoU(logits, gtMask *nn.Tensor) float64 {
	pred := PredictedMask(logits)
	var inter, union float64
	for i, v := range pred.Data {
		a := v > 0
		b := gtMask.Data[i] > objectThreshold
		if a && b {
			inter++
		}
		if a || b {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return inter / union
}

// RhoError is the mean squared attenuation error inside the ground-truth
// object, or over the whole image when the object is empty.
func RhoError(rho, gtRho, gtMask *nn.Tensor) float64 {
	var inside, all []float64
	for i, v := range rho.Data {
		d := float64(v - gtRho.Data[i])
		all = append(all, d*d)
		if gtMask.Data[i] > objectThreshold {
			inside = append(inside, d*d)
		}
	}
	if len(inside) == 0 {
		inside = all
	}
	if len(inside) == 0 {
		return 0
	}
	return floats.Sum(inside) / float64(len(inside))
}

// ROIRatio is the fraction of ground-truth object pixels. An empty object
// yields 1 so that it can be used as a divisor.
func ROIRatio(gtMask *nn.Tensor) float64 {
	var roi float64
	for _, v := range gtMask.Data {
		if v > objectThreshold {
			roi++
		}
	}
	if roi == 0 || len(gtMask.Data) == 0 {
		return 1
	}
	return roi / float64(len(gtMask.Data))
}

// FlowError normalizes an image-wide average EPE to the object region.
func FlowError(avgEPE float64, gtMask *nn.Tensor) float64 {
	return avgEPE / ROIRatio(gtMask)
}

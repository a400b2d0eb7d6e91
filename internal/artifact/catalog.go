package artifact

import (
	"path/filepath"

	"github.com/kingrea/neuropipe/internal/workflow"
)

type layout = workflow.Layout

// Canonical artifact references for the structural/diffusion pipeline.
var (
	BIDSSession = register(newDirectoryRef("bids-session", "BIDS Session", "dcm2bids output for one session", (*layout).BIDSSessionDir))

	RawT1w       = register(newImageRef("raw-t1w", "T1w", "MPRAGE T1-weighted image in the raw tree", in((*layout).RawAnatDir, "_acq-mprage_T1w.nii.gz")))
	RawDwiAP     = register(newImageRef("raw-dwi-ap", "DWI AP", "Anterior-posterior diffusion series", in((*layout).RawDwiDir, "_dir-AP_dwi.nii.gz")))
	RawDwiPA     = register(newImageRef("raw-dwi-pa", "DWI PA", "Posterior-anterior diffusion series", in((*layout).RawDwiDir, "_dir-PA_dwi.nii.gz")))
	RawDwiAPBval = register(newTableRef("raw-dwi-ap-bval", "DWI AP bvals", "b-values of the AP series", in((*layout).RawDwiDir, "_dir-AP_dwi.bval")))
	RawDwiAPBvec = register(newTableRef("raw-dwi-ap-bvec", "DWI AP bvecs", "b-vectors of the AP series", in((*layout).RawDwiDir, "_dir-AP_dwi.bvec")))
	McGRASE      = register(newImageRef("mcgrase", "mcGRASE", "32-echo mcGRASE stack sorted by echo time", in((*layout).RawAnatDir, "_mcGRASE.nii.gz")))

	AcuteLesion    = register(newImageRef("lesion-acute", "Acute Lesion", "Manually drawn acute lesion mask", in((*layout).RawAnatDir, "_T1w_label-acutelesion_roi.nii.gz")))
	CombinedLesion = register(newImageRef("lesion-combined", "Combined Lesion", "Manually drawn combined lesion mask", in((*layout).RawAnatDir, "_T1w_label-combinedlesion_roi.nii.gz")))
	OldLesion      = register(newImageRef("lesion-old", "Old Lesion", "Manually drawn old lesion mask", in((*layout).RawAnatDir, "_T1w_label-oldlesion_roi.nii.gz")))

	DwiPreproc   = register(newImageRef("dwi-preproc", "Preprocessed DWI", "Degibbsed, topup/eddy corrected and debiased diffusion series", in((*layout).PreprocDir, "_dwi.nii.gz")))
	DwiBval      = register(newTableRef("dwi-bval", "DWI bvals", "b-values matching the preprocessed series", in((*layout).PreprocDir, "_dwi.bval")))
	DwiBvec      = register(newTableRef("dwi-bvec", "DWI bvecs", "Eddy-rotated b-vectors", in((*layout).PreprocDir, "_dwi.bvec")))
	MeanB0       = register(newImageRef("dwi-mean-b0", "Mean b0", "Mean of the b=0 volumes of the preprocessed series", in((*layout).PreprocDir, "_dwi_mean-b0.nii.gz")))
	MeanB0Bet    = register(newImageRef("dwi-mean-b0-bet", "Mean b0 brain", "Brain extracted mean b0", in((*layout).PreprocDir, "_dwi_mean-b0_bet.nii.gz")))
	MeanB0BetMsk = register(newImageRef("dwi-mean-b0-bet-mask", "Mean b0 brain mask", "Brain mask of the mean b0", in((*layout).PreprocDir, "_dwi_mean-b0_bet_mask.nii.gz")))

	TransplantLesion = register(newImageRef("transplant-lesion", "Transplant Lesion", "Lesion mask used for transplantation", in((*layout).TransplantLesionDir, "_T1w_label-lesion_roi.nii.gz")))
	T1wTransplanted  = register(newImageRef("t1w-transplanted", "Transplanted T1w", "T1w with the healthy hemisphere transplanted into the lesion", in((*layout).TransplantDir, "_T1w_with_transplanted_lesion.nii.gz")))

	FreeSurferBrain = register(newImageRef("freesurfer-brain", "FreeSurfer brain", "recon-all skull-stripped brain", func(l *layout) string {
		return filepath.Join(l.FreeSurferMRIDir(), "brain.mgz")
	}))

	FreeSurferBrainstem = register(newImageRef("freesurfer-brainstem", "Brainstem labels", "Brainstem substructure segmentation in FreeSurfer voxel space", (*layout).BrainstemLabelsPath))

	T1wBrain     = register(newImageRef("t1w-brain", "T1w brain", "bet brain extraction of the raw T1w", in((*layout).DerivAnatDir, "_acq-mprage_T1wbrain.nii.gz")))
	T1wDwi       = register(newImageRef("t1w-dwi", "T1w in DWI", "T1w registered to the mean b0", in((*layout).PreprocDir, "_acq-mprage_T1w_dwi.nii.gz")))
	PveCSFDwi    = register(newImageRef("pve-csf-dwi", "CSF PVE in DWI", "CSF partial volume map in diffusion space", in((*layout).PreprocDir, "_acq-mprage_T1wPveCSF_dwi.nii.gz")))
	PveGMDwi     = register(newImageRef("pve-gm-dwi", "GM PVE in DWI", "Grey matter partial volume map in diffusion space", in((*layout).PreprocDir, "_acq-mprage_T1wPveGM_dwi.nii.gz")))
	PveWMDwi     = register(newImageRef("pve-wm-dwi", "WM PVE in DWI", "White matter partial volume map in diffusion space", in((*layout).PreprocDir, "_acq-mprage_T1wPveWM_dwi.nii.gz")))
	FiveTTDwi    = register(newImageRef("5tt-dwi", "5TT in DWI", "Five tissue type image for anatomically constrained tractography", in((*layout).PreprocDir, "_acq-mprage_T1wPve5tt_dwi.nii.gz")))
	AparcDwi     = register(newImageRef("aparc-dwi", "aparc.a2009s+aseg in DWI", "Destrieux parcellation in diffusion space", in((*layout).PreprocDir, "_acq-mprage_T1wAparcA2009sAseg_dwi.nii.gz")))
	AparcBSSDwi  = register(newImageRef("aparc-bss-dwi", "aparc+brainstem in DWI", "Destrieux parcellation with brainstem labels in diffusion space", in((*layout).PreprocDir, "_acq-mprage_T1wAparcA2009sAsegBSS_dwi.nii.gz")))
	WmparcDwi    = register(newImageRef("wmparc-dwi", "wmparc in DWI", "White matter parcellation in diffusion space", in((*layout).PreprocDir, "_acq-mprage_T1wWmparc_dwi.nii.gz")))
	WmparcBSSDwi = register(newImageRef("wmparc-bss-dwi", "wmparc+brainstem in DWI", "White matter parcellation with brainstem labels in diffusion space", in((*layout).PreprocDir, "_acq-mprage_T1wWmparcBSS_dwi.nii.gz")))

	T1wMNI = register(newImageRef("t1w-mni", "T1w in MNI", "T1w registered to the MNI template", in((*layout).MNIDir, "_acq-mprage_T1w_mni.nii.gz")))

	RespWM     = register(newTableRef("resp-wm", "WM response", "msmt_5tt white matter response function", in((*layout).ProcDir, "_dwi_RespWM.txt")))
	RespGM     = register(newTableRef("resp-gm", "GM response", "msmt_5tt grey matter response function", in((*layout).ProcDir, "_dwi_RespGM.txt")))
	RespCSF    = register(newTableRef("resp-csf", "CSF response", "msmt_5tt CSF response function", in((*layout).ProcDir, "_dwi_RespCSF.txt")))
	FOD        = register(newImageRef("fod-wm", "WM FOD", "White matter fibre orientation distribution", in((*layout).ProcDir, "_fod.nii.gz")))
	Tractogram = register(newTractRef("tractogram", "Tractogram", "Whole-brain tractogram seeded in white matter", in((*layout).ProcDir, "_iFOD2.tck")))
	Sift2      = register(newTableRef("sift2-weights", "SIFT2 weights", "Per-streamline tcksift2 weights", in((*layout).ProcDir, "_sift.txt")))

	FA        = register(newImageRef("dti-fa", "FA", "dtifit fractional anisotropy", in((*layout).ProcDir, "_dwi_FA.nii.gz")))
	LesionDwi = register(newImageRef("lesion-dwi", "Lesion in DWI", "Lesion mask registered to diffusion space", in((*layout).DerivLesionDir, "_acq-mprage_T1w_label-lesion_roi_dwi.nii.gz")))

	ClustersT1w = register(newImageRef("clusters-t1w", "Clusters in T1w", "MNI cluster map in T1w space", in((*layout).StudyDir, "_roi_Clusters_Tw1_ants.nii.gz")))
	ClustersDwi = register(newImageRef("clusters-dwi", "Clusters in DWI", "MNI cluster map in diffusion space", in((*layout).StudyDir, "_roi_Clusters_dwi_ants.nii.gz")))
	TemplateDwi = register(newImageRef("template-dwi", "MNI template in DWI", "MNI template in diffusion space", in((*layout).StudyDir, "_templateMNI_dwi_ants.nii.gz")))

	GlobalMask   = register(newImageRef("global-mask", "Global mask", "Striatum seeds and cluster ROIs as one label image", in((*layout).MasksDir, "_global_mask.nii.gz")))
	GlobalLabels = register(newTableRef("global-labels", "Global mask labels", "Label index to ROI name table", in((*layout).MasksDir, "_global_mask.csv")))

	ConnectMatrix = register(newTableRef("connect-matrix", "ROI connectome", "SIFT2-weighted ROI to ROI connectome", in((*layout).StudyDir, "_connect_matrix.csv")))
	TractMetrics  = register(newTableRef("tract-metrics", "Tract metrics", "Per-seed streamline weight and FA summary", in((*layout).StriatDir, "_metrics.csv")))
)

// SeedROIDwi is a striatum seed ROI in diffusion space.
func SeedROIDwi(seed string) ArtifactRef {
	return newImageRef("seed-roi-dwi:"+seed, "Seed "+seed+" in DWI", "Striatum seed ROI in diffusion space", in((*layout).StriatDir, "_roi_"+seed+"_dwi_ants.nii.gz"))
}

// ClusterROIMask is one thresholded cluster ROI.
func ClusterROIMask(name string) ArtifactRef {
	return newImageRef("cluster-mask:"+name, "ROI "+name, "Binary mask of one cluster ROI", in((*layout).MasksDir, "_roi_"+name+"_mask.nii.gz"))
}

// SeedTract is the subset of the tractogram crossing one seed.
func SeedTract(seed string) ArtifactRef {
	return newTractRef("seed-tract:"+seed, "Tract "+seed, "Streamlines selected by tckedit -include", in((*layout).TckeditDir, "_"+seed+".tck"))
}

// SeedWeights holds the SIFT2 weights of one seed tract.
func SeedWeights(seed string) ArtifactRef {
	return newTableRef("seed-weights:"+seed, "Weights "+seed, "SIFT2 weights of the seed tract", in((*layout).TckeditDir, "_"+seed+"_sift2.txt"))
}

// SeedMetric is the tck2connectome output for one seed.
func SeedMetric(seed string) ArtifactRef {
	return newTableRef("seed-metric:"+seed, "Metric "+seed, "SIFT2-weighted streamline count through the seed", in((*layout).StriatDir, "_"+seed+"_metric.csv"))
}

// SeedFA is the tcksample output of one seed tract.
func SeedFA(seed string) ArtifactRef {
	return newTableRef("seed-fa:"+seed, "FA "+seed, "Per-streamline mean FA of the seed tract", in((*layout).FACSVDir, "_"+seed+"_FA.csv"))
}
